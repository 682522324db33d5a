package loader

import (
	"os/exec"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// NmLoader extracts symbol -> file:line build definitions from the binary's
// debug info via the toolchain's nm.
type NmLoader struct {
	logger log.Logger

	// Tool is the nm binary to run, arm-none-eabi-nm unless overridden.
	Tool string

	// ProjectRoot is stripped from the reported paths so definitions are
	// relative to the source tree.
	ProjectRoot string

	definitions map[string]string
}

func NewNmLoader(logger log.Logger, projectRoot string) *NmLoader {
	return &NmLoader{
		logger:      logger,
		Tool:        "arm-none-eabi-nm",
		ProjectRoot: projectRoot,
		definitions: map[string]string{},
	}
}

func (l *NmLoader) Load(binFile string) error {
	cmd := exec.Command(l.Tool, "--line-numbers", "--radix=dec", "--size-sort", binFile)
	level.Info(l.logger).Log("msg", "loading build definitions", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.Output()
	if err != nil {
		return errors.Wrapf(err, "running %s", l.Tool)
	}

	l.parse(string(out))
	return nil
}

func (l *NmLoader) parse(output string) {
	root := l.ProjectRoot + "/"
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		// size, mode, symbol, file:line -- shorter lines carry no definition
		if len(fields) < 4 {
			continue
		}
		symbol, def := fields[2], fields[3]
		if i := strings.Index(def, root); i >= 0 {
			def = def[i+len(root):]
		}
		l.definitions[symbol] = def
	}
}

// Definition returns the known build definition of a symbol.
func (l *NmLoader) Definition(symbol string) (string, bool) {
	def, ok := l.definitions[symbol]
	return def, ok
}
