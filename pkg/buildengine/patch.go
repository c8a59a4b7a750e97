package buildengine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PatchFailedError is raised when a rockspec-declared patch doesn't apply
// cleanly against the current file contents: a malformed hunk header, a
// context/deletion line that doesn't match, or a missing target file.
type PatchFailedError struct {
	Name   string
	Target string
	Reason string
}

func (e *PatchFailedError) Error() string {
	return fmt.Sprintf("patch %q: %s: %s", e.Name, e.Target, e.Reason)
}

// hunk is one @@ -a,b +c,d @@ block of a unified diff.
type hunk struct {
	oldStart int
	lines    []diffLine
}

type diffLine struct {
	kind byte // ' ', '-', '+'
	text string
}

// applyPatch applies a unified-diff patch (as carried verbatim in
// build.patches) to the single file it targets, rooted at dir. Patch
// failures are fatal: any hunk that doesn't apply cleanly against
// the current file contents returns an error rather than attempting a
// fuzzy match.
func applyPatch(dir, patchText string) error {
	target, hunks, err := parseUnifiedDiff(patchText)
	if err != nil {
		return &PatchFailedError{Target: target, Reason: err.Error()}
	}
	path := filepath.Join(dir, target)

	original, err := os.ReadFile(path)
	if err != nil {
		return &PatchFailedError{Target: target, Reason: fmt.Sprintf("reading patch target: %s", err)}
	}
	lines := strings.Split(string(original), "\n")

	patched, err := applyHunks(lines, hunks)
	if err != nil {
		return &PatchFailedError{Target: target, Reason: err.Error()}
	}

	info, err := os.Stat(path)
	if err != nil {
		return &PatchFailedError{Target: target, Reason: fmt.Sprintf("statting patch target: %s", err)}
	}
	return os.WriteFile(path, []byte(strings.Join(patched, "\n")), info.Mode())
}

func parseUnifiedDiff(text string) (target string, hunks []hunk, err error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur *hunk
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "+++ "):
			target = stripDiffPathPrefix(strings.TrimSpace(strings.TrimPrefix(line, "+++ ")))
		case strings.HasPrefix(line, "--- "):
			// old-file header carries no information we need once +++ is read
		case strings.HasPrefix(line, "@@"):
			h, err := parseHunkHeader(line)
			if err != nil {
				return "", nil, err
			}
			hunks = append(hunks, h)
			cur = &hunks[len(hunks)-1]
		case cur != nil && len(line) > 0:
			cur.lines = append(cur.lines, diffLine{kind: line[0], text: line[1:]})
		case cur != nil:
			cur.lines = append(cur.lines, diffLine{kind: ' ', text: ""})
		}
	}
	if err := sc.Err(); err != nil {
		return "", nil, err
	}
	if target == "" {
		return "", nil, errors.New("unified diff has no +++ target header")
	}
	return target, hunks, nil
}

// stripDiffPathPrefix drops the conventional a/ or b/ prefix diff tools
// add ahead of the real relative path.
func stripDiffPathPrefix(p string) string {
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

func parseHunkHeader(line string) (hunk, error) {
	// @@ -oldStart,oldLen +newStart,newLen @@
	parts := strings.SplitN(line, "@@", 3)
	if len(parts) < 2 {
		return hunk{}, errors.Errorf("malformed hunk header %q", line)
	}
	fields := strings.Fields(parts[1])
	if len(fields) < 1 {
		return hunk{}, errors.Errorf("malformed hunk header %q", line)
	}
	oldSpec := strings.TrimPrefix(fields[0], "-")
	oldStart, err := strconv.Atoi(strings.SplitN(oldSpec, ",", 2)[0])
	if err != nil {
		return hunk{}, errors.Wrapf(err, "parsing hunk header %q", line)
	}
	return hunk{oldStart: oldStart}, nil
}

// applyHunks applies hunks to lines in order, tracking the running offset
// introduced by earlier hunks adding/removing lines.
func applyHunks(lines []string, hunks []hunk) ([]string, error) {
	offset := 0
	for _, h := range hunks {
		pos := h.oldStart - 1 + offset
		var replaced []string
		cursor := pos
		for _, dl := range h.lines {
			switch dl.kind {
			case ' ':
				if cursor >= len(lines) || lines[cursor] != dl.text {
					return nil, errors.Errorf("context mismatch at line %d", cursor+1)
				}
				replaced = append(replaced, dl.text)
				cursor++
			case '-':
				if cursor >= len(lines) || lines[cursor] != dl.text {
					return nil, errors.Errorf("deletion mismatch at line %d", cursor+1)
				}
				cursor++
			case '+':
				replaced = append(replaced, dl.text)
			}
		}
		before := lines[:pos]
		after := lines[cursor:]
		next := make([]string, 0, len(before)+len(replaced)+len(after))
		next = append(next, before...)
		next = append(next, replaced...)
		next = append(next, after...)
		offset += len(next) - len(lines)
		lines = next
	}
	return lines, nil
}

func applyPatches(dir string, patches map[string]string) error {
	for name, patchText := range patches {
		if err := applyPatch(dir, patchText); err != nil {
			if pf, ok := err.(*PatchFailedError); ok {
				pf.Name = name
				return pf
			}
			return &PatchFailedError{Name: name, Reason: err.Error()}
		}
	}
	return nil
}
