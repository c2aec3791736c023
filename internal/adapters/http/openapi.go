package http

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIDoc     map[string]interface{}
	openAPIDocOnce sync.Once
	openAPIDocErr  error
)

// openAPIJSON returns the OpenAPI document as JSON with info.version set to
// the running build. The YAML is decoded once.
func openAPIJSON(version string) ([]byte, error) {
	openAPIDocOnce.Do(func() {
		openAPIDocErr = yaml.Unmarshal(openAPIYAML, &openAPIDoc)
	})
	if openAPIDocErr != nil {
		return nil, openAPIDocErr
	}

	doc := make(map[string]interface{}, len(openAPIDoc))
	for k, v := range openAPIDoc {
		doc[k] = v
	}
	if info, ok := openAPIDoc["info"].(map[string]interface{}); ok && version != "" {
		withVersion := make(map[string]interface{}, len(info)+1)
		for k, v := range info {
			withVersion[k] = v
		}
		withVersion["version"] = version
		doc["info"] = withVersion
	}

	return json.MarshalIndent(doc, "", "  ")
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>BVSAR tile API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = () => {
      SwaggerUIBundle({ url: '/openapi.json', dom_id: '#swagger-ui' });
    };
  </script>
</body>
</html>`

// handleSwaggerUI serves a Swagger UI page for /openapi.json.
func (s *Server) handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerHTML))
}
