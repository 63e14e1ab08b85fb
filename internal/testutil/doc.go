// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helper functions for tests that handle errors
// appropriately, reducing boilerplate and ensuring consistent error handling.
//
// The file helpers (WriteFile, Touch) lay out project trees and age their
// inputs. FakeBackend records container builds and writes OCI manifests
// without a container engine.
package testutil
