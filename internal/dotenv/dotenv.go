// Package dotenv loads a .env file into the process environment before config is read.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvFileVar names an env file that replaces the path passed to LoadFile.
const EnvFileVar = "CONVO_GATEWAY_ENV_FILE"

// LoadFile loads KEY=VALUE pairs from path. Variables already present in the environment win.
// A missing file is not an error. When CONVO_GATEWAY_ENV_FILE is set it replaces path, and a
// missing file at that location is an error.
func LoadFile(path string) error {
	explicit := false
	if override := strings.TrimSpace(os.Getenv(EnvFileVar)); override != "" {
		path, explicit = override, true
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, val, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("%s:%d: set %q: %w", path, lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file %q: %w", path, err)
	}
	return nil
}

// parseLine splits one dotenv line. Quoted values keep inner spaces and '#';
// unquoted values drop a trailing " # comment".
func parseLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	k, v, found := strings.Cut(line, "=")
	key = strings.TrimSpace(k)
	if !found || key == "" {
		return "", "", false
	}
	v = strings.TrimSpace(v)

	switch {
	case len(v) >= 2 && v[0] == '"' && strings.LastIndexByte(v, '"') > 0:
		v = v[1:strings.LastIndexByte(v, '"')]
		v = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`).Replace(v)
	case len(v) >= 2 && v[0] == '\'' && strings.LastIndexByte(v, '\'') > 0:
		v = v[1:strings.LastIndexByte(v, '\'')]
	default:
		if i := strings.Index(v, " #"); i >= 0 {
			v = strings.TrimSpace(v[:i])
		}
	}
	return key, v, true
}
