package iceberg

import (
	"slices"
	"strings"
)

// Namespace is a multi-level namespace such as ["analytics", "events"].
type Namespace []string

// ParseNamespace splits a dot separated namespace. Empty segments are dropped.
func ParseNamespace(s string) Namespace {
	var ns Namespace
	for _, part := range strings.Split(s, ".") {
		if part = strings.TrimSpace(part); part != "" {
			ns = append(ns, part)
		}
	}
	return ns
}

func (n Namespace) String() string { return strings.Join(n, ".") }

// Parent returns the namespace one level up, or nil for a top-level namespace.
func (n Namespace) Parent() Namespace {
	if len(n) <= 1 {
		return nil
	}
	return slices.Clone(n[:len(n)-1])
}

// Equal reports whether both namespaces have the same levels.
func (n Namespace) Equal(o Namespace) bool { return slices.Equal(n, o) }

// Identifier names a table inside a namespace.
type Identifier struct {
	Namespace Namespace
	Name      string
}

func (id Identifier) String() string {
	if len(id.Namespace) == 0 {
		return id.Name
	}
	return id.Namespace.String() + "." + id.Name
}
