package server

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/descoped/mcp-web-scraper/api"
	"github.com/descoped/mcp-web-scraper/session"
)

// Tool names.
const (
	ToolNavigate     = "navigate"
	ToolClick        = "click"
	ToolType         = "type"
	ToolGetContent   = "get_content"
	ToolEvaluate     = "evaluate"
	ToolScreenshot   = "screenshot"
	ToolCloseSession = "close_session"
	ToolListSessions = "list_sessions"
	ToolServerStats  = "server_stats"
)

const argSessionID = "session_id"

// Args are the arguments of a tool call.
type Args map[string]any

// String returns the string argument name, or "" when it is absent.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected a string, got %T: %w", name, v, ErrInvalidArgument)
	}
	return s, nil
}

// Bool returns the boolean argument name, or false when it is absent.
func (a Args) Bool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected a boolean, got %T: %w", name, v, ErrInvalidArgument)
	}
	return b, nil
}

type paramKind int

const (
	paramString paramKind = iota
	paramBool
)

type param struct {
	name        string
	kind        paramKind
	required    bool
	description string
}

type tool struct {
	name        string
	description string
	params      []param
	// stateless tools run without a session and take no session_id.
	stateless bool
	readOnly  bool
	run       func(ctx context.Context, srv *Server, args Args, s *session.Session) (any, error)
}

// validate checks argument types and that required arguments are set.
func (t *tool) validate(args Args) error {
	for _, p := range t.params {
		switch p.kind {
		case paramString:
			v, err := args.String(p.name)
			if err != nil {
				return err
			}
			if p.required && v == "" {
				return fmt.Errorf("missing required argument %q: %w", p.name, ErrInvalidArgument)
			}
		case paramBool:
			if _, err := args.Bool(p.name); err != nil {
				return err
			}
		}
	}
	if !t.stateless {
		if _, err := args.String(argSessionID); err != nil {
			return err
		}
	}
	return nil
}

// NavigateResult is returned by the navigate tool.
type NavigateResult struct {
	URL         string `json:"url"`
	Navigations int    `json:"navigations"`
}

// ContentResult is returned by the get_content tool.
type ContentResult struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

// Screenshot is returned by the screenshot tool. Data is base64 encoded in
// JSON.
type Screenshot struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
	Path     string `json:"path,omitempty"`
}

var tools = map[string]*tool{ //nolint:gochecknoglobals
	ToolNavigate: {
		name:        ToolNavigate,
		description: "Navigate the session's page to a URL and wait for it to load.",
		params: []param{
			{name: "url", kind: paramString, required: true, description: "Absolute URL to load."},
		},
		run: runNavigate,
	},
	ToolClick: {
		name:        ToolClick,
		description: "Click the first visible element matching a CSS selector.",
		params: []param{
			{name: "selector", kind: paramString, required: true, description: "CSS selector."},
		},
		run: func(ctx context.Context, _ *Server, args Args, s *session.Session) (any, error) {
			sel, _ := args.String("selector")
			if err := s.Page().Click(ctx, sel); err != nil {
				return nil, err //nolint:wrapcheck
			}
			return map[string]string{"clicked": sel}, nil
		},
	},
	ToolType: {
		name:        ToolType,
		description: "Type text into the first visible element matching a CSS selector.",
		params: []param{
			{name: "selector", kind: paramString, required: true, description: "CSS selector."},
			{name: "text", kind: paramString, required: true, description: "Text to type."},
		},
		run: func(ctx context.Context, _ *Server, args Args, s *session.Session) (any, error) {
			sel, _ := args.String("selector")
			text, _ := args.String("text")
			if err := s.Page().Type(ctx, sel, text); err != nil {
				return nil, err //nolint:wrapcheck
			}
			return map[string]any{"typed": len(text), "selector": sel}, nil
		},
	},
	ToolGetContent: {
		name:        ToolGetContent,
		description: "Return the text or HTML of the current page.",
		params: []param{
			{name: "format", kind: paramString, description: `"text" (default) or "html".`},
		},
		readOnly: true,
		run:      runGetContent,
	},
	ToolEvaluate: {
		name:        ToolEvaluate,
		description: "Evaluate a JavaScript expression in the page and return its JSON value.",
		params: []param{
			{name: "expression", kind: paramString, required: true, description: "JavaScript expression."},
		},
		run: func(ctx context.Context, _ *Server, args Args, s *session.Session) (any, error) {
			expr, _ := args.String("expression")
			v, err := s.Page().Evaluate(ctx, expr)
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			return map[string]any{"value": v}, nil
		},
	},
	ToolScreenshot: {
		name:        ToolScreenshot,
		description: "Capture a PNG screenshot of the page, optionally saving it under the screenshot directory.",
		params: []param{
			{name: "full_page", kind: paramBool, description: "Capture the whole scrollable page."},
			{name: "path", kind: paramString, description: "Relative file path to save the screenshot to."},
		},
		readOnly: true,
		run:      runScreenshot,
	},
	ToolCloseSession: {
		name:        ToolCloseSession,
		description: "Close a session and release its browser. Closing an unknown session does nothing.",
		params: []param{
			{name: argSessionID, kind: paramString, required: true, description: "Session to close."},
		},
		stateless: true,
		run: func(ctx context.Context, srv *Server, args Args, _ *session.Session) (any, error) {
			id, _ := args.String(argSessionID)
			if err := srv.sessions.Close(ctx, id); err != nil {
				return nil, err //nolint:wrapcheck
			}
			srv.tracer.EndSession(id)
			return map[string]string{"closed": id}, nil
		},
	},
	ToolListSessions: {
		name:        ToolListSessions,
		description: "List the open sessions.",
		stateless:   true,
		readOnly:    true,
		run: func(_ context.Context, srv *Server, _ Args, _ *session.Session) (any, error) {
			return srv.sessions.List(), nil
		},
	},
	ToolServerStats: {
		name:        ToolServerStats,
		description: "Report browser pool, session, rate limiter and connection statistics.",
		stateless:   true,
		readOnly:    true,
		run: func(_ context.Context, srv *Server, _ Args, _ *session.Session) (any, error) {
			return srv.Stats(), nil
		},
	},
}

func runNavigate(ctx context.Context, srv *Server, args Args, s *session.Session) (any, error) {
	url, _ := args.String("url")
	final, err := s.Page().Navigate(ctx, url)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	s.AppendHistory(final)
	srv.tracer.TraceNavigation(ctx, s.ID, final)

	return NavigateResult{URL: final, Navigations: len(s.History())}, nil
}

func runGetContent(ctx context.Context, _ *Server, args Args, s *session.Session) (any, error) {
	format, _ := args.String("format")
	switch api.ContentFormat(format) {
	case "":
		format = string(api.ContentText)
	case api.ContentText, api.ContentHTML:
	default:
		return nil, fmt.Errorf("format %q: must be text or html: %w", format, ErrInvalidArgument)
	}

	content, err := s.Page().Content(ctx, api.ContentFormat(format))
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return ContentResult{URL: s.Page().URL(), Format: format, Content: content}, nil
}

func runScreenshot(ctx context.Context, srv *Server, args Args, s *session.Session) (any, error) {
	fullPage, _ := args.Bool("full_page")
	path, _ := args.String("path")
	if path != "" && srv.persister == nil {
		return nil, fmt.Errorf("saving screenshots is disabled: %w", ErrInvalidArgument)
	}

	data, err := s.Page().Screenshot(ctx, fullPage)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if path != "" {
		if err := srv.persister.Persist(ctx, path, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("saving screenshot: %w", err)
		}
	}

	return Screenshot{MIMEType: "image/png", Data: data, Path: path}, nil
}

// toolNames returns every tool name in order.
func toolNames() []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
