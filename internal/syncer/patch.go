package syncer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/pkg/errors"
)

// applyPatch replays a unified diff onto the base blob. The upstream compare
// endpoint strips file headers from its patch strings, so they are
// synthesized before parsing.
func applyPatch(base []byte, path, patch string) ([]byte, error) {
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}
	full := fmt.Sprintf("--- a/%s\n+++ b/%s\n%s", path, path, patch)
	files, _, err := gitdiff.Parse(strings.NewReader(full))
	if err != nil {
		return nil, errors.Wrapf(err, "parse patch for %s", path)
	}
	if len(files) != 1 {
		return nil, errors.Errorf("patch for %s parsed into %d files", path, len(files))
	}
	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(base), files[0]); err != nil {
		return nil, errors.Wrapf(err, "apply patch to %s", path)
	}
	return out.Bytes(), nil
}
