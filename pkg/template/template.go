// Package template renders command arguments and environment values:
// $USERPROFILE expands to the user's home directory and
// {{ Resources.KEY }} tokens expand to the resolved local path of the
// unit resource named KEY.
package template

import (
	"regexp"
	"strings"

	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

var resourceRegex = regexp.MustCompile(`\{\{\s*Resources\.([A-Za-z0-9_]+)\s*\}\}`)

// Context carries the substitution inputs for one unit.
type Context struct {
	// Unit name, used only for error reporting
	Unit string
	// Resources maps symbolic keys to resolved local paths
	Resources map[string]string
	// Home is the value substituted for $USERPROFILE
	Home string
}

// Expand substitutes every token in input. An unknown resource key is a hard
// error.
func (c *Context) Expand(input string) (string, error) {
	output := input
	if c.Home != "" {
		output = strings.ReplaceAll(output, "$USERPROFILE", c.Home)
	}

	var unknown string
	output = resourceRegex.ReplaceAllStringFunc(output, func(token string) string {
		key := resourceRegex.FindStringSubmatch(token)[1]
		path, ok := c.Resources[key]
		if !ok {
			if unknown == "" {
				unknown = key
			}

			return token
		}

		return path
	})

	if unknown != "" {
		return "", &wpmerror.UnknownResourceKey{Unit: c.Unit, Key: unknown}
	}

	return output, nil
}

// ExpandAll expands every string in inputs, returning a new slice.
func (c *Context) ExpandAll(inputs []string) ([]string, error) {
	if inputs == nil {
		return nil, nil
	}

	outputs := make([]string, len(inputs))
	for i, input := range inputs {
		expanded, err := c.Expand(input)
		if err != nil {
			return nil, err
		}

		outputs[i] = expanded
	}

	return outputs, nil
}
