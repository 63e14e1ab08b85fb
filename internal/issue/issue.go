// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
)

type Id int

const (
	ProjectFileNotFoundId Id = iota + 1
	ProjectFileInvalidId
	ConfigLoadFailedId
	DependencyCycleId
	UnknownPackageId
	BuildFailedId
	ContextMissingId
	ContainerEngineNotFoundId
	StalenessReadFailedId
	NotBuiltId
	ScriptFailedId
	RuntimeNotAvailableId
	PermissionDeniedId
)

type MarkdownMsg string

type HttpLink string

type Renderer interface {
	Render(in string, stylePath string) (string, error)
}

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink
	extLinks []HttpLink // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range slices.Concat(i.docLinks, i.extLinks) {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	projectFileNotFoundIssue = &Issue{
		id: ProjectFileNotFoundId,
		mdMsg: `
# No project file found!

imgraph looks for ` + "`imgraph.cue`" + ` in the current directory and its parents.

## Things you can try:
- Run imgraph from inside the project tree
- Point at the file explicitly:
~~~
$ imgraph --file path/to/imgraph.cue build
~~~

## Minimal project file:
~~~cue
packages: [
	{name: "base", descriptor: "packages/base/Containerfile"},
	{name: "app", descriptor: "packages/app/Containerfile", depends_on: ["base"], inject_context: true},
]
~~~`,
	}

	projectFileInvalidIssue = &Issue{
		id: ProjectFileInvalidId,
		mdMsg: `
# The project file is invalid!

The file failed schema validation. The message above names the field and line.

## Things you can try:
- Check that every package has a ` + "`name`" + ` and a ` + "`descriptor`" + `
- Check that ` + "`output`" + ` is "directory" or "archive"
- Validate without building:
~~~
$ imgraph graph
~~~`,
		extLinks: []HttpLink{"https://cuelang.org/docs/"},
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

## Things you can try:
- Show the effective configuration and where it came from:
~~~
$ imgraph config show
~~~
- Regenerate the user config file:
~~~
$ imgraph config init
~~~
- Check IMGRAPH_* and REGISTRY, VERSION, NO_CACHE, SOURCE_DATE_EPOCH in your environment`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Dependency cycle detected!

Packages depend on each other in a loop, so no build order exists.

## Things you can try:
- Follow the path printed above and remove one ` + "`depends_on`" + ` entry
- Remember that listing another package's build descriptor in ` + "`sources`" + ` adds a dependency too
- Print the graph:
~~~
$ imgraph graph --dot | dot -Tsvg > graph.svg
~~~`,
	}

	unknownPackageIssue = &Issue{
		id: UnknownPackageId,
		mdMsg: `
# Unknown package!

The requested package is not declared in the project file.

## Things you can try:
- List the declared packages:
~~~
$ imgraph status
~~~`,
	}

	buildFailedIssue = &Issue{
		id: BuildFailedId,
		mdMsg: `
# Build failed!

The container engine exited with an error. Its last output is shown above.
Packages that depend on the failed one were skipped.

## Things you can try:
- Rebuild only the failed package with verbose output:
~~~
$ imgraph build --verbose <package>
~~~
- Rebuild without the engine cache:
~~~
$ imgraph build --no-cache <package>
~~~
- Keep building unrelated packages after a failure with ` + "`--keep-going`",
	}

	contextMissingIssue = &Issue{
		id: ContextMissingId,
		mdMsg: `
# Build context missing!

The build descriptor refers to a stage or image by a name that was not
provided as a build context, so the engine tried to pull it from a registry.

## Things you can try:
- Add the package to ` + "`depends_on`" + ` so its artifact is passed in
- Set ` + "`inject_context: true`" + ` to receive every built sibling package
- Show the contexts a package would receive:
~~~
$ imgraph context <package>
~~~`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# Container engine not found!

imgraph builds with Docker (buildx) or Podman, and neither is available.

## Things you can try:
- Install Docker with the buildx plugin, or Podman
- Select the engine explicitly:
~~~
$ IMGRAPH_CONTAINER_ENGINE=podman imgraph build
~~~`,
		extLinks: []HttpLink{
			"https://docs.docker.com/build/",
			"https://podman.io/docs/installation",
		},
	}

	stalenessReadFailedIssue = &Issue{
		id: StalenessReadFailedId,
		mdMsg: `
# Could not decide whether a package is up to date!

Reading tracked files or a previous artifact failed.

## Things you can try:
- Check that the project is a git checkout, or set ` + "`tracking: \"filesystem\"`" + `
- Remove the artifact and rebuild:
~~~
$ imgraph clean <package>
$ imgraph build <package>
~~~`,
	}

	notBuiltIssue = &Issue{
		id: NotBuiltId,
		mdMsg: `
# Package not built!

The package has no artifact in the output directory yet.

## Things you can try:
~~~
$ imgraph build <package>
~~~`,
	}

	scriptFailedIssue = &Issue{
		id: ScriptFailedId,
		mdMsg: `
# Script failed!

A codegen, shell, build or test script exited with a non-zero status.

## Things you can try:
- Re-run with ` + "`--verbose`" + ` to see the script's environment
- Check the script's runtime: "virtual" runs in-process, "container" needs a built dev image`,
	}

	runtimeNotAvailableIssue = &Issue{
		id: RuntimeNotAvailableId,
		mdMsg: `
# Runtime not available!

The script asks for a runtime that cannot run here.

## Things you can try:
- Build the dev image first when using the container runtime:
~~~
$ imgraph build dev
~~~
- Switch the script to ` + "`runtime: \"virtual\"`",
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

## Things you can try:
- Check ownership of the output directory (files written by a rootful engine may belong to root)
- With Podman on SELinux hosts, volume labels are applied automatically; check ` + "`getenforce`",
	}

	issues = map[Id]*Issue{
		projectFileNotFoundIssue.Id():     projectFileNotFoundIssue,
		projectFileInvalidIssue.Id():      projectFileInvalidIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		dependencyCycleIssue.Id():         dependencyCycleIssue,
		unknownPackageIssue.Id():          unknownPackageIssue,
		buildFailedIssue.Id():             buildFailedIssue,
		contextMissingIssue.Id():          contextMissingIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		stalenessReadFailedIssue.Id():     stalenessReadFailedIssue,
		notBuiltIssue.Id():                notBuiltIssue,
		scriptFailedIssue.Id():            scriptFailedIssue,
		runtimeNotAvailableIssue.Id():     runtimeNotAvailableIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
	}
)

// Values returns every issue ordered by Id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
}

func Get(id Id) *Issue {
	return issues[id]
}
