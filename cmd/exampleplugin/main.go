// Command exampleplugin is a minimal conforming plugin binary (spec §6): it
// answers --metadata, binds the socket named by TORU_PLUGIN_SOCKET, and
// serves one in-memory greeting route. It registers no KV handler, so a
// forwarded kv request gets an empty response.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ctrlhost/pluginsup/pluginsdk"
	"github.com/ctrlhost/pluginsup/wire"
)

func main() {
	plugin := &pluginsdk.Plugin{
		Metadata: pluginsdk.Metadata{
			ID:      "example",
			Name:    "Example Plugin",
			Version: "0.1.0",
			Author:  "ctrlhost",
			Route:   "/example",
		},
		OnHTTP: handleHTTP,
	}

	if err := plugin.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "exampleplugin: %v\n", err)
		os.Exit(1)
	}
}

func handleHTTP(req *wire.HTTPRequestPayload) *wire.HTTPResponsePayload {
	switch req.Path {
	case "/example", "/":
		body, err := json.Marshal(map[string]string{"greeting": "hello from exampleplugin"})
		if err != nil {
			return &wire.HTTPResponsePayload{Status: 500}
		}
		bodyStr := string(body)
		return &wire.HTTPResponsePayload{
			Status:  200,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    &bodyStr,
		}
	default:
		return &wire.HTTPResponsePayload{Status: 404}
	}
}
