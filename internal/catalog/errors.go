package catalog

import (
	"fmt"
	"strings"
)

// UnknownModelError is returned by Match for a token that is neither a
// model nor a collection.
type UnknownModelError struct {
	Name    string
	Options []string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model name %q, should be one of: %s", e.Name, strings.Join(e.Options, ", "))
}

// UnknownCollectionError names a collection that does not exist.
type UnknownCollectionError struct {
	Name  string
	Known []string
}

func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("unknown collection %q (one of %s)", e.Name, strings.Join(e.Known, ", "))
}

// DescriptorError reports an invalid descriptor file.
type DescriptorError struct {
	Path   string
	Reason string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid model descriptor in %s: %s", e.Path, e.Reason)
}
