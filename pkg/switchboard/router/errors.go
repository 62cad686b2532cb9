package router

import (
	"errors"
	"fmt"
)

var (
	errEmptySegments  = errors.New("router: decomposition has no segments")
	errMissingButler  = errors.New("router: segment missing butler")
	errMissingPrompt  = errors.New("router: segment missing prompt")
)

func errUnknownButler(name string) error {
	return fmt.Errorf("router: segment names unregistered butler %q", name)
}

func errDuplicateSegmentID(id string) error {
	return fmt.Errorf("router: duplicate segment_id %q", id)
}
