// Package settings holds the recognized environment-variable surface from
// spec §6. It does not load YAML/JSON config files — that loader is an
// explicit Non-goal; this package only populates a typed struct from the
// process environment, the way the teacher resolves its own MCP_*-shaped
// runtime options inline rather than through a generic config framework.
package settings

import (
	"os"
	"strconv"
	"strings"
)

// Settings is the resolved environment for one process.
type Settings struct {
	Host     string
	Port     int
	HTTPPort int

	APIKeys       []string
	AdminKeys     []string
	DeveloperKeys []string

	DBType     string
	DBPath     string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	MeshEnabled bool
	MeshHost    string
	MeshPort    int

	LogLevel string
	LogPath  string

	TestingMode bool
	LowCPUMode  bool
}

// FromEnv resolves Settings from os.Getenv, applying the defaults a
// freshly-spawned MCP-ZERO process would use when no override is present.
func FromEnv() Settings {
	return Settings{
		Host:     getenv("MCP_HOST", "0.0.0.0"),
		Port:     getenvInt("MCP_PORT", 8081),
		HTTPPort: getenvInt("MCP_HTTP_PORT", 8082),

		APIKeys:       splitCSV(os.Getenv("MCP_API_KEYS")),
		AdminKeys:     splitCSV(os.Getenv("MCP_ADMIN_KEYS")),
		DeveloperKeys: splitCSV(os.Getenv("MCP_DEVELOPER_KEYS")),

		DBType:     getenv("MCP_DB_TYPE", "sqlite"),
		DBPath:     getenv("MCP_DB_PATH", "./data/mcpzero.db"),
		DBHost:     os.Getenv("MCP_DB_HOST"),
		DBPort:     getenvInt("MCP_DB_PORT", 0),
		DBName:     os.Getenv("MCP_DB_NAME"),
		DBUser:     os.Getenv("MCP_DB_USER"),
		DBPassword: os.Getenv("MCP_DB_PASSWORD"),

		MeshEnabled: getenvBool("MCP_MESH_ENABLED", false),
		MeshHost:    getenv("MCP_MESH_HOST", "0.0.0.0"),
		MeshPort:    getenvInt("MCP_MESH_PORT", 8090),

		LogLevel: getenv("MCP_LOG_LEVEL", "info"),
		LogPath:  os.Getenv("MCP_LOG_PATH"),

		TestingMode: getenvBool("MCP_TESTING_MODE", false),
		LowCPUMode:  getenvBool("MCP_LOW_CPU_MODE", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
