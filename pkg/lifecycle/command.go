package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/LGUG2Z/wpm/pkg/proc"
	"github.com/LGUG2Z/wpm/pkg/store"
	"github.com/LGUG2Z/wpm/pkg/template"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// resolveResources fetches every resource of a definition and returns the
// template context mapping symbolic keys to local paths.
func (e *Engine) resolveResources(ctx context.Context, definition *unit.Definition) (*template.Context, error) {
	name := definition.Unit.Name
	resources := make(map[string]string, len(definition.Resources))

	keys := make([]string, 0, len(definition.Resources))
	for key := range definition.Resources {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		path, err := e.resolver.ResolveResource(ctx, name, key, definition.Resources[key])
		if err != nil {
			return nil, err
		}

		resources[key] = path
	}

	return &template.Context{Unit: name, Resources: resources, Home: e.home}, nil
}

// baseEnvironment builds the environment inherited by every command in a
// service: the daemon's own environment, then the service environment file,
// then the service-level variables. Later entries shadow earlier ones.
func (e *Engine) baseEnvironment(definition *unit.Definition, templates *template.Context) ([]string, error) {
	env := os.Environ()

	if file := definition.Service.EnvironmentFile; file != "" {
		expanded, err := templates.Expand(file)
		if err != nil {
			return nil, err
		}

		loaded, err := godotenv.Read(expanded)
		if err != nil {
			return nil, fmt.Errorf("%s: environment file: %w", definition.Unit.Name, err)
		}

		env = append(env, sortedPairs(loaded)...)
	}

	for _, pair := range definition.Service.Environment {
		value, err := templates.Expand(pair.Value)
		if err != nil {
			return nil, err
		}

		env = append(env, pair.Name+"="+value)
	}

	return env, nil
}

// buildCommand resolves and expands one service command into a concrete
// invocation.
func (e *Engine) buildCommand(ctx context.Context, definition *unit.Definition, command *unit.ServiceCommand, templates *template.Context) (*proc.Command, error) {
	name := definition.Unit.Name

	path, err := e.resolver.ResolveExecutable(ctx, name, command.Executable)
	if err != nil {
		return nil, err
	}

	arguments, err := templates.ExpandAll(command.Arguments)
	if err != nil {
		return nil, err
	}

	env, err := e.baseEnvironment(definition, templates)
	if err != nil {
		return nil, err
	}

	if file := command.EnvironmentFile; file != "" {
		expanded, err := templates.Expand(file)
		if err != nil {
			return nil, err
		}

		loaded, err := godotenv.Read(expanded)
		if err != nil {
			return nil, fmt.Errorf("%s: environment file: %w", name, err)
		}

		env = append(env, sortedPairs(loaded)...)
	}

	for _, pair := range command.Environment {
		value, err := templates.Expand(pair.Value)
		if err != nil {
			return nil, err
		}

		env = append(env, pair.Name+"="+value)
	}

	dir := definition.Service.WorkingDirectory
	if dir != "" {
		dir, err = templates.Expand(dir)
		if err != nil {
			return nil, err
		}
	}

	return &proc.Command{Path: path, Args: arguments, Env: env, Dir: dir}, nil
}

// runHooks executes an auxiliary command sequence. When fatal is set, the
// first non-zero exit aborts with a HookFailure; otherwise failures are
// logged and skipped.
func (e *Engine) runHooks(ctx context.Context, definition *unit.Definition, templates *template.Context, hookName string, commands []unit.ServiceCommand, fatal bool, logger *zerolog.Logger) error {
	for i := range commands {
		command, err := e.buildCommand(ctx, definition, &commands[i], templates)
		if err != nil {
			if fatal {
				return err
			}

			logger.Warn().Err(err).Str("hook", hookName).Msg("hook command could not be built")
			continue
		}

		logger.Info().Str("hook", hookName).Str("command", command.Path+" "+strings.Join(command.Args, " ")).Msg("executing hook command")

		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		code, err := proc.Run(hookCtx, *command)
		cancel()

		if err == nil && code == 0 {
			continue
		}

		failure := &wpmerror.HookFailure{
			Unit:     definition.Unit.Name,
			Hook:     fmt.Sprintf("%s[%d]", hookName, i),
			ExitCode: code,
		}

		if fatal {
			return failure
		}

		logger.Warn().Err(failure).Msg("hook command failed")
	}

	return nil
}

// lookupExecutable resolves a healthcheck probe executable: absolute paths
// pass through, bare names search $PATH.
func lookupExecutable(name string) (string, bool) {
	if filepath.IsAbs(name) {
		return name, true
	}

	return store.FindExe(name)
}

func sortedPairs(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(values))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values[key])
	}

	return pairs
}
