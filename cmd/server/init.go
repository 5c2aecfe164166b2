package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter config.yaml and scenarios.yaml",
	Long: `Creates a default configuration file (config.yaml) and an example
scenario file (scenarios.yaml) in the target directory.

The example scenarios show path captures, body matching, templated
responses and a small login flow driven by simulation state.

Existing files are not overwritten unless --force is used.`,
	RunE: runInit,
}

var (
	initForce bool
	initPath  string
)

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	initCmd.Flags().StringVarP(&initPath, "path", "p", ".", "Directory to initialize")
}

func runInit(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(initPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", absPath, err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"config.yaml", defaultConfigYAML},
		{"scenarios.yaml", exampleScenariosYAML},
	}

	for _, f := range files {
		if _, err := os.Stat(filepath.Join(absPath, f.name)); err == nil && !initForce {
			return fmt.Errorf("%s already exists. Use --force to overwrite", f.name)
		}
	}

	out := cmd.OutOrStdout()
	for _, f := range files {
		path := filepath.Join(absPath, f.name)
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Translucent initialized successfully!")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Edit scenarios.yaml to describe the API you are simulating")
	fmt.Fprintln(out, "  2. Run 'translucent validate' to check it")
	fmt.Fprintln(out, "  3. Run 'translucent serve' to start the simulator")
	return nil
}

const defaultConfigYAML = `# Translucent configuration.
# Every key can be overridden with an environment variable, e.g.
# TRANSLUCENT_SERVER_PORT=9090 or TRANSLUCENT_LOGGING_LEVEL=debug.

server:
  host: 0.0.0.0
  port: 8080
  # Requests under this prefix go to the control API, never to scenarios.
  controlPrefix: /_api
  requestTimeout: 30s
  readTimeout: 30s
  writeTimeout: 60s
  idleTimeout: 120s
  shutdownTimeout: 10s
  maxBodyBytes: 10485760
  tls:
    enabled: false
    certFile: ""
    keyFile: ""
    # Generate a self-signed certificate into storePath when none is given.
    autoGenerate: true
    storePath: ./certs

scenarios:
  # Files or glob patterns; ** matches across directories.
  paths:
    - scenarios.yaml
  watch: false
  watchDebounce: 250ms
  # gate: a false state predicate means no match.
  # response: the scenario matches and serves its otherwise response.
  predicateMode: gate

passthrough:
  enabled: false
  # Forward requests no scenario matches when an upstream covers the path.
  unmatched: false
  timeout: 30s
  maxRetries: 1
  preserveHost: false
  caFile: ""
  upstreams: []
  # upstreams:
  #   - prefix: /payments
  #     url: https://payments.example.com
  #     stripPrefix: true

recorder:
  maxInteractions: 1000
  retention: 1h
  maxBodyBytes: 65536

# Record/replay sessions, selected per request with the X-Session-Id header
# or the session query parameter.
sessions:
  maxExchanges: 500
  maxBodyBytes: 1048576

logging:
  level: info   # debug, info, warn, error
  format: json  # json, text
`

const exampleScenariosYAML = `# Example scenarios. Higher priority wins; ties go to declaration order.

scenarios:
  - id: health
    request:
      method: GET
      path: /health
    response:
      json: {status: ok}

  - id: get-user
    description: Return a user for any id
    request:
      method: GET
      path: /users/{id}
    response:
      headers:
        X-Request-Id: "{{random.uuid}}"
      json:
        id: "{{path.id}}"
        name: "{{random.name}}"
        createdAt: "{{timestamp.iso}}"

  - id: missing-user
    priority: 10
    request:
      method: GET
      path: /users/0
    response:
      status: 404
      json: {error: user not found}

  - id: create-user
    request:
      method: POST
      path: /users
      headers:
        Content-Type: {contains: application/json}
      body:
        jsonPath:
          $.name: {exists: true}
    response:
      status: 201
      delay: {min: 20ms, max: 80ms}
      json:
        id: "{{random.int(1000,9999)}}"
        name: "{{body.name}}"
        role: "{{body.role | default \"member\"}}"

  - id: login
    request:
      method: POST
      path: /login
    effects:
      - set: loggedIn
        value: true
      - reset: profileViews
    response:
      json: {token: "{{random.string(32)}}"}

  - id: profile
    request:
      method: GET
      path: /me
    state: {flag: loggedIn, eq: true}
    effects:
      - increment: profileViews
    response:
      json:
        name: Jane
        views: "{{state.profileViews}}"

  - id: profile-anonymous
    priority: -1
    request:
      method: GET
      path: /me
    response:
      status: 401
      json: {error: login required}

  - id: logout
    request:
      method: POST
      path: /logout
    effects:
      - set: loggedIn
        value: false
    response:
      status: 204
`
