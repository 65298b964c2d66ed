package pluginsup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/xeipuuv/gojsonschema"
)

// pluginBinaryExt is the discovery marker (spec §4.2: "a fixed marker, e.g.
// a specific suffix"). The prior implementation this subsystem is based on
// used ".binary"; we use ".plugin" to read naturally for a Go-conforming
// executable on Unix.
const pluginBinaryExt = ".plugin"

const metadataProbeTimeout = 10 * time.Second

var metadataSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["id", "name", "version", "route"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"version": {"type": "string"},
		"author": {"type": "string"},
		"icon": {"type": "string"},
		"route": {"type": "string", "pattern": "^/"}
	}
}`)

// discoveredPlugin is one successfully probed candidate.
type discoveredPlugin struct {
	path     string
	metadata *PluginMetadata
}

// discoverPlugins enumerates regular files in pluginsDir with the plugin
// marker extension, probes each with --metadata, validates the result, and
// returns the plugins that passed. Failures are logged and skipped — never
// fatal to the scan (spec §4.2).
func discoverPlugins(pluginsDir string, logger hclog.Logger) ([]discoveredPlugin, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return nil, newError(ErrDiscovery, "", "failed to list plugins directory", err)
	}

	canonicalDir, err := filepath.EvalSymlinks(pluginsDir)
	if err != nil {
		return nil, newError(ErrDiscovery, "", "failed to canonicalize plugins directory", err)
	}

	seenIDs := make(map[string]string) // id -> path, for duplicate detection
	seenRoutes := make(map[string]string)
	var out []discoveredPlugin

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pluginBinaryExt) {
			continue
		}
		candidatePath := filepath.Join(pluginsDir, entry.Name())

		resolved, err := filepath.EvalSymlinks(candidatePath)
		if err != nil {
			logger.Warn("discovery: failed to resolve candidate path", "path", candidatePath, "error", err)
			continue
		}
		rel, err := filepath.Rel(canonicalDir, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			logger.Warn("discovery: candidate escapes plugins directory, skipping", "path", candidatePath)
			continue
		}

		metadata, err := probeMetadata(candidatePath)
		if err != nil {
			logger.Warn("discovery: metadata probe failed, skipping", "path", candidatePath, "error", err)
			continue
		}

		if prev, ok := seenIDs[metadata.ID]; ok {
			logger.Warn("discovery: duplicate plugin id, skipping", "id", metadata.ID, "path", candidatePath, "first_seen", prev)
			continue
		}
		if prev, ok := seenRoutes[metadata.Route]; ok {
			logger.Warn("discovery: route already owned, skipping", "route", metadata.Route, "path", candidatePath, "owner", prev)
			continue
		}
		seenIDs[metadata.ID] = candidatePath
		seenRoutes[metadata.Route] = candidatePath

		out = append(out, discoveredPlugin{path: candidatePath, metadata: metadata})
	}

	return out, nil
}

// probeMetadata runs candidatePath --metadata, validates the JSON schema,
// then the field-level invariants, and returns the decoded metadata.
func probeMetadata(candidatePath string) (*PluginMetadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), metadataProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, candidatePath, "--metadata")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("metadata probe exited with error: %w (stderr: %s)", err, stderr.String())
	}

	documentLoader := gojsonschema.NewBytesLoader(stdout.Bytes())
	result, err := gojsonschema.Validate(metadataSchema, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("metadata schema validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("metadata does not conform to schema: %s", strings.Join(problems, "; "))
	}

	return parsePluginMetadata(stdout.Bytes())
}

// probeMetadataRaw runs field validation on an already-captured metadata
// document, without spawning a process or running the JSON-schema check.
// Neither discoverPlugins nor the enable path calls it; the enable path's
// re-scan goes through discoverPlugins and probeMetadata.
func probeMetadataRaw(raw json.RawMessage) (*PluginMetadata, error) {
	return parsePluginMetadata(raw)
}
