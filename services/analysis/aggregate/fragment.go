// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

// Fragment statuses. Every fragment carries exactly one of these.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Fragment is one analyzer's contribution to results.json.
//
// The shape is a tagged union discriminated by Status:
//
//	{"status":"ok","output":..., "note":?, "images":?, "png_images":?, "download":?}
//	{"status":"error","error":"...", "output":?}
//
// Output holds a string, a []string, or a map[string]string depending on
// the analyzer. For ok fragments Output is always present (possibly empty);
// for error fragments it is included only when the tool produced something
// worth keeping alongside the error.
type Fragment struct {
	Status    string              `json:"status"`
	Output    any                 `json:"output,omitempty"`
	Note      string              `json:"note,omitempty"`
	Images    map[string][]string `json:"images,omitempty"`
	PNGImages []string            `json:"png_images,omitempty"`
	Download  string              `json:"download,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// OK builds a success fragment. A nil output is normalized to the empty
// string so the "output" key always appears for ok fragments.
func OK(output any) Fragment {
	if output == nil {
		output = ""
	}
	return Fragment{Status: StatusOK, Output: output}
}

// Err builds an error fragment.
func Err(msg string) Fragment {
	return Fragment{Status: StatusError, Error: msg}
}

// WithNote returns a copy of the fragment with a note attached.
func (f Fragment) WithNote(note string) Fragment {
	f.Note = note
	return f
}

// WithDownload returns a copy pointing at the analyzer's archive.
func (f Fragment) WithDownload(url string) Fragment {
	f.Download = url
	return f
}

// WithImages returns a copy carrying generated image URLs grouped by
// section label (the decomposer's channel names, for example).
func (f Fragment) WithImages(images map[string][]string) Fragment {
	f.Images = images
	return f
}

// WithPNGImages returns a copy carrying recovered PNG URLs.
func (f Fragment) WithPNGImages(urls []string) Fragment {
	f.PNGImages = urls
	return f
}

// WithOutput returns a copy with the output set; used by error fragments
// that still carry partial tool output.
func (f Fragment) WithOutput(output any) Fragment {
	f.Output = output
	return f
}

// IsError reports whether the fragment carries an error status.
func (f Fragment) IsError() bool {
	return f.Status == StatusError
}
