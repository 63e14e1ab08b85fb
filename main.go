// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/tkhq/imgraph/cmd/imgraph"

func main() {
	cmd.Execute()
}
