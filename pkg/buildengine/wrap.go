package buildengine

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// looksLikeScript reports whether content is wrapped as a runtime script.
// Only the first line is examined: content whose shebang already invokes
// the runtime via "#!/usr/bin/env " is not wrapped; everything else,
// non-text content included, is treated as a script.
func looksLikeScript(content []byte) bool {
	first := firstLine(content)
	if strings.HasPrefix(first, "#!/usr/bin/env ") {
		return false
	}
	return true
}

func firstLine(content []byte) string {
	sc := bufio.NewScanner(strings.NewReader(string(content)))
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}

// WrapBinary moves src (an installed binary that looks like a source
// script) to unwrappedDir and writes a wrapper at wrappedPath that execs
// the interpreter against it.
func WrapBinary(src, unwrappedDir, wrappedPath, interpreter string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "reading %q", src)
	}
	if !looksLikeScript(content) {
		return nil
	}

	if err := os.MkdirAll(unwrappedDir, 0o755); err != nil {
		return err
	}
	unwrappedPath := filepath.Join(unwrappedDir, filepath.Base(src))
	if err := os.WriteFile(unwrappedPath, content, 0o755); err != nil {
		return errors.Wrapf(err, "writing unwrapped copy of %q", src)
	}
	if err := os.Remove(src); err != nil {
		return err
	}

	wrapper, mode := wrapperScript(unwrappedPath, interpreter)
	if err := os.MkdirAll(filepath.Dir(wrappedPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(wrappedPath, []byte(wrapper), mode); err != nil {
		return errors.Wrapf(err, "writing wrapper for %q", src)
	}
	return nil
}

// wrapperScript renders the POSIX shell wrapper or the Windows .bat
// equivalent.
func wrapperScript(unwrappedPath, interpreter string) (string, os.FileMode) {
	if runtime.GOOS == "windows" {
		return "@echo off\r\n\"" + interpreter + "\" \"" + unwrappedPath + "\" %*\r\n", 0o644
	}
	return "#!/bin/sh\nexec " + shellQuote(interpreter) + " " + shellQuote(unwrappedPath) + " \"$@\"\n", 0o755
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
