// Package srt is the SRT side of the relay. A publisher Server accepts the
// single inbound publisher (or a Caller pulls it from a remote listener),
// pumps its media into the configured sinks, and reports the session
// lifecycle to an Observer. A ViewerServer accepts any number of viewer
// callers and hands them to the fan-out registry.
package srt
