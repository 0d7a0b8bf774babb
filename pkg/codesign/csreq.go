package codesign

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RequirementCompiler turns a binary requirements blob into requirement
// language text. It is diagnostic only: ok is false whenever no text could
// be produced and signing never depends on it.
type RequirementCompiler interface {
	Decompile(ctx context.Context, blob []byte) (text string, ok bool)
}

const (
	defaultCSReqPath    = "/usr/bin/csreq"
	defaultCSReqTimeout = 10 * time.Second
)

// CSReqTool runs the system csreq tool.
type CSReqTool struct {
	Path    string
	Timeout time.Duration
}

func (c CSReqTool) path() string {
	if c.Path != "" {
		return c.Path
	}
	return defaultCSReqPath
}

// Decompile writes blob to a temp file and runs `csreq -r <file> -t`.
func (c CSReqTool) Decompile(ctx context.Context, blob []byte) (string, bool) {
	log := zerolog.Ctx(ctx)
	bin, err := exec.LookPath(c.path())
	if err != nil {
		log.Debug().Str("tool", c.path()).Msg("csreq not available, skipping requirement text")
		return "", false
	}

	f, err := os.CreateTemp("", "csreq-*.bin")
	if err != nil {
		log.Debug().Err(err).Msg("csreq temp file")
		return "", false
	}
	defer os.Remove(f.Name())
	_, err = f.Write(blob)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Debug().Err(err).Msg("csreq temp file")
		return "", false
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCSReqTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "-r", f.Name(), "-t").Output()
	if err != nil {
		log.Debug().Err(err).Msg("csreq failed")
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}
