package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpWorkDir is the folder whose .rex/config the server operates on. A
// client that announces roots overrides it per request.
var mcpWorkDir string = "."

func runMCPServer(workDir, useHttp string) error {
	mcpWorkDir = workDir
	if useHttp == "" {
		log.Println("Starting MCP server using stdin/stdout")
	}

	opts := &mcp.ServerOptions{
		Instructions:      "Use this server with the MCP protocol in vscode or other clients. The folder it runs in must have been initialized with rex init.",
		CompletionHandler: complete,
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "rex", Version: version}, opts)

	mcp.AddTool(server, &mcp.Tool{Name: "rex/info", Description: "rex is a set of tools to pull region-of-interest annotations out of a medical imaging repository and into a spreadsheet."}, infoTool)
	mcp.AddTool(server, &mcp.Tool{Name: "export", Description: "Walk a project and export its ROI annotations. Walking a large project takes a while, wait for the result before reading the resources again."}, exportTool)
	mcp.AddTool(server, &mcp.Tool{Name: "status", Description: "Report the configured repository and the last export of this folder."}, statusTool)
	mcp.AddTool(server, &mcp.Tool{Name: "ping"}, pingingTool)

	server.AddPrompt(&mcp.Prompt{Name: "export"}, exportPrompt)

	server.AddResource(&mcp.Resource{
		Name:     "info",
		MIMEType: "text/plain",
		URI:      "embedded:info",
	}, embeddedResource)
	server.AddResource(&mcp.Resource{
		Name:     "lastexport",
		MIMEType: "text/plain",
		URI:      "embedded:lastexport",
	}, embeddedResource)
	server.AddResource(&mcp.Resource{
		Name:     "numrois",
		MIMEType: "text/plain",
		URI:      "embedded:numrois",
	}, embeddedResource)

	// Serve over stdio, or streamable HTTP if -http is set.
	if useHttp != "" {
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return server
		}, nil)
		log.Printf("MCP handler listening at %s", useHttp)
		return http.ListenAndServe(useHttp, handler)
	}
	t := &mcp.LoggingTransport{Transport: &mcp.StdioTransport{}, Writer: os.Stderr}
	if err := server.Run(context.Background(), t); err != nil {
		log.Printf("Server failed: %v", err)
		return err
	}
	return nil
}

func exportPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Export prompt",
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: "Export all ROI annotations of project " + req.Params.Arguments["project"]},
			},
		},
	}, nil
}

var embeddedResources = map[string]string{
	"info":       "This is the 'rex' tool server. 'rex' walks a project of a medical imaging repository and exports its region-of-interest annotations as a spreadsheet.",
	"lastexport": "",
	"numrois":    "",
}

// getWorkDir prefers the first root the client announced and falls back to
// the folder the server was started in.
func getWorkDir(ctx context.Context, session *mcp.ServerSession) string {
	res, err := session.ListRoots(ctx, nil)
	if err != nil || len(res.Roots) == 0 {
		return mcpWorkDir
	}
	return strings.TrimPrefix(res.Roots[0].URI, "file://")
}

func embeddedResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	u, err := url.Parse(req.Params.URI)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "embedded" {
		return nil, fmt.Errorf("wrong scheme: %q", u.Scheme)
	}
	key := u.Opaque
	text, ok := embeddedResources[key]
	if !ok {
		return nil, fmt.Errorf("no embedded resource named %q", key)
	}

	dir := getWorkDir(ctx, req.Session)
	config, err := readConfig(configPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	if key == "lastexport" {
		text = config.LastExport
	}
	if key == "numrois" {
		text = fmt.Sprintf("%d", config.LastExportRows)
	}

	if text == "" {
		text = "empty string"
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
		},
	}, nil
}

type result struct {
	Message string `json:"message" jsonschema:"the message to convey"`
}

type exportArgs struct {
	Project  string `json:"project" jsonschema:"the project to export, an id or group/label"`
	Subjects string `json:"subjects,omitempty" jsonschema:"comma separated subject labels to walk, empty for all"`
	DryRun   bool   `json:"dryrun,omitempty" jsonschema:"walk and count rows without writing the spreadsheet"`
}

type exportResult struct {
	Message string `json:"message" jsonschema:"the message to convey"`
	Rows    int    `json:"rows" jsonschema:"the number of exported rows"`
	Path    string `json:"path,omitempty" jsonschema:"the spreadsheet that was written"`
}

type statusResult struct {
	Host       string `json:"host" jsonschema:"the configured repository"`
	LastExport string `json:"lastexport,omitempty" jsonschema:"the spreadsheet the last export wrote"`
	Rows       int    `json:"rows" jsonschema:"the number of rows of the last export"`
}

// infoTool reports what this server is together with its resource values.
func infoTool(ctx context.Context, req *mcp.CallToolRequest, args any) (*mcp.CallToolResult, *result, error) {
	resources := map[string]string{"info": embeddedResources["info"]}
	dir := getWorkDir(ctx, req.Session)
	if config, err := readConfig(configPath(dir)); err == nil {
		resources["lastexport"] = config.LastExport
		resources["numrois"] = fmt.Sprintf("%d", config.LastExportRows)
	}
	jsonContent, err := json.Marshal(resources)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonContent)},
		},
	}, &result{Message: "rex exports ROI annotations from a medical imaging repository"}, nil
}

// exportTool runs one export. A missing project argument is elicited from
// the client instead of failing.
func exportTool(ctx context.Context, req *mcp.CallToolRequest, args *exportArgs) (*mcp.CallToolResult, *exportResult, error) {
	dir := getWorkDir(ctx, req.Session)
	config, err := readConfig(configPath(dir))
	if err != nil {
		return nil, &exportResult{Message: "Error could not read config file from rex directory."}, err
	}

	projectRef := args.Project
	if projectRef == "" {
		res, err := req.Session.Elicit(ctx, &mcp.ElicitParams{
			Message: "Which project should be exported",
			RequestedSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"project": {Type: "string", Description: "The project to export, an id or group/label.", Examples: []any{"mygroup/Study01"}},
				},
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("eliciting failed: %v", err)
		}
		projectRef, _ = res.Content["project"].(string)
		if projectRef == "" {
			return nil, &exportResult{Message: "No project given."}, nil
		}
	}

	client, err := newRESTClient(config.Host, config.APIKey)
	if err != nil {
		return nil, nil, err
	}
	project, err := lookupProject(client, projectRef)
	if err != nil {
		return nil, nil, err
	}
	table, _, err := acquireROIs(client, project, ExportOptions{
		DepthFirst: config.DepthFirst,
		Subjects:   splitSubjects(args.Subjects),
		Debug:      config.Debug,
	})
	if err != nil {
		return nil, nil, err
	}

	if args.DryRun {
		return nil, &exportResult{Message: "Dry run, nothing written", Rows: table.Len()}, nil
	}

	out, err := writeExport(table, config.OutputDir, project.Label, time.Now())
	if err != nil {
		return nil, nil, err
	}
	config.LastExport = out
	config.LastExportRows = table.Len()
	config.Date = time.Now().String()
	if err := config.writeConfig(configPath(dir)); err != nil {
		return nil, &exportResult{Message: "Error could not write config file into rex directory."}, err
	}
	return nil, &exportResult{Message: "Exported project " + project.Label, Rows: table.Len(), Path: out}, nil
}

func statusTool(ctx context.Context, req *mcp.CallToolRequest, args any) (*mcp.CallToolResult, *statusResult, error) {
	dir := getWorkDir(ctx, req.Session)
	config, err := readConfig(configPath(dir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %v", err)
	}
	return nil, &statusResult{
		Host:       config.Host,
		LastExport: config.LastExport,
		Rows:       config.LastExportRows,
	}, nil
}

func pingingTool(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
	if err := req.Session.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping failed")
	}
	return nil, nil, nil
}

func complete(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	var suggestions []string
	switch req.Params.Ref.Type {
	case "ref/prompt":
		suggestions = []string{"rex export", "rex status", "rex review"}
	case "ref/resource":
		suggestions = []string{"info", "lastexport", "numrois"}
	default:
		return nil, fmt.Errorf("unrecognized content type %s", req.Params.Ref.Type)
	}

	return &mcp.CompleteResult{
		Completion: mcp.CompletionResultDetails{
			Total:  len(suggestions),
			Values: suggestions,
		},
	}, nil
}
