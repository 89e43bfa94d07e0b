package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// commandSince maps commands to the first server version that shipped them.
// It is consulted only when COMMAND INFO is unavailable.
var commandSince = map[string]string{
	"unlink": "4.0.0",
	"scan":   "2.8.0",
	"del":    "1.0.0",
	"type":   "1.0.0",
	"dbsize": "1.0.0",
}

// Supports reports whether the server implements command.
//
// Detection is probe-then-fallback: COMMAND INFO is asked first; if the
// server rejects COMMAND itself (old servers, some proxies), the version
// from INFO server is compared against commandSince. When neither probe
// can answer, the command is reported as unsupported so callers pick the
// conservative variant.
func (cn *conn) Supports(ctx context.Context, command string) (bool, error) {
	name := strings.ToLower(strings.TrimSpace(command))
	if name == "" {
		return false, nil
	}

	ok, err := cn.commandInfo(ctx, name)
	if err == nil {
		return ok, nil
	}
	if !isReplyError(err) {
		return false, cn.store.wrapError("Supports", err)
	}

	version, err := cn.serverVersion(ctx)
	if err != nil {
		if isReplyError(err) {
			return false, nil
		}
		return false, cn.store.wrapError("Supports", err)
	}

	since, known := commandSince[name]
	if !known || version == "" {
		return false, nil
	}
	return compareVersions(version, since) >= 0, nil
}

// commandInfo asks COMMAND INFO for a single command.
//
// Real servers answer with one entry per requested name (nil when the
// command is unknown). Some compatible servers ignore the argument and
// return the whole table, so the reply is searched by name.
func (cn *conn) commandInfo(ctx context.Context, name string) (bool, error) {
	cmd := goredis.NewCmd(ctx, "COMMAND", "INFO", name)
	_ = cn.c.Process(ctx, cmd)
	reply, err := cmd.Slice()
	if err != nil {
		return false, err
	}
	for _, entry := range reply {
		fields, ok := entry.([]interface{})
		if !ok || len(fields) == 0 {
			continue
		}
		if got, ok := fields[0].(string); ok && strings.EqualFold(got, name) {
			return true, nil
		}
	}
	return false, nil
}

// serverVersion returns redis_version from INFO server.
func (cn *conn) serverVersion(ctx context.Context) (string, error) {
	info, err := cn.c.Info(ctx, "server").Result()
	if err != nil {
		return "", err
	}
	return parseInfoField(info, "redis_version"), nil
}

// parseInfoField extracts a "field:value" line from an INFO payload.
func parseInfoField(info, field string) string {
	prefix := field + ":"
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

// compareVersions compares dotted numeric versions. Missing or non-numeric
// components count as zero.
func compareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		va, vb := versionPart(pa, i), versionPart(pb, i)
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}

// errNoVersion is returned by ServerVersion when INFO carries no version.
var errNoVersion = errors.New("server did not report redis_version")

// ServerVersion returns the server version reported by INFO server.
func (s *Store) ServerVersion(ctx context.Context) (string, error) {
	info, err := s.client.Info(ctx, "server").Result()
	if err != nil {
		return "", s.wrapError("Info", err)
	}
	v := parseInfoField(info, "redis_version")
	if v == "" {
		return "", errNoVersion
	}
	return v, nil
}
