// Package plugins hosts plugin implementation subpackages. It contains no
// runtime code itself; this file anchors the architecture guard test that
// lives alongside it.
//
// Plugins depend only on the stable packages under transactor/pkg
// (domain, pluginapi, blob, queue). Anything under transactor/internal is
// off limits so plugins stay portable across transactor builds.
package plugins
