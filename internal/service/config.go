package service

import (
	"os"
	"strings"

	"github.com/wipeworks/wiped/internal/model"
)

// Cmd builds the command for req: the configured path and arguments followed by
// the kind specific ones, <target> <method code> for a wipe and nothing for a
// factory reset.
func Cmd(cfg model.JobConfig, req model.JobRequest) Command {
	args := append([]string(nil), cfg.Command.Args...)
	if req.Kind == model.JobKindWipe {
		args = append(args, req.Target, req.Method.Code())
	}
	return Command{
		Path:  cfg.Command.Path,
		Args:  args,
		Env:   environ(cfg.Command.Env),
		Dir:   cfg.Command.Dir,
		Stdin: append([]string(nil), cfg.Command.Stdin...),
	}
}

// environ returns the environment of wiped with env added. Config loaders lower
// case keys, so names are upper cased; values starting with $ are expanded.
func environ(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	ret := os.Environ()
	for k, v := range env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		ret = append(ret, strings.ToUpper(k)+"="+v)
	}
	return ret
}
