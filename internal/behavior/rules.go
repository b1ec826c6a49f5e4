// Package behavior makes a hosted document interactive without a script
// runtime. Handlers are written straight into the markup as on<event>
// attributes holding semicolon-separated statements:
//
//	<button onclick="set class=active; text Clicked">Go</button>
//
// Verbs:
//
//	set NAME=VALUE   set an attribute on the handling element
//	unset NAME       remove an attribute
//	toggle NAME      add NAME="" if absent, remove it otherwise
//	text CONTENT     replace the element's children with one text node
//	append MARKUP    parse MARKUP and append it to the element
//	clear            remove every child
//	remove           remove the element itself
//
// CONTENT, VALUE and MARKUP may refer to event parameters as {name} when
// the event carries a JSON object.
package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/treesync/host/internal/document"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/session"
	"github.com/treesync/host/internal/tree"
)

// HandlerPrefix starts every handler attribute name.
const HandlerPrefix = "on"

// Statement is one parsed verb invocation.
type Statement struct {
	Verb string
	Arg  string
}

// Parse splits a handler attribute value into statements. Empty
// statements are skipped; unknown verbs are rejected.
func Parse(src string) ([]Statement, error) {
	var out []Statement
	for _, part := range strings.Split(src, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		verb, arg, _ := strings.Cut(part, " ")
		st := Statement{Verb: strings.ToLower(verb), Arg: strings.TrimSpace(arg)}
		if err := st.validate(); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (st Statement) validate() error {
	switch st.Verb {
	case "set":
		if name, _, ok := strings.Cut(st.Arg, "="); !ok || strings.TrimSpace(name) == "" {
			return invalidRule(st, "want NAME=VALUE")
		}
	case "unset", "toggle":
		if st.Arg == "" || strings.ContainsAny(st.Arg, " =") {
			return invalidRule(st, "want one attribute name")
		}
	case "text", "append":
	case "clear", "remove":
		if st.Arg != "" {
			return invalidRule(st, "takes no argument")
		}
	default:
		return apperrors.UnknownVerb(st.Verb)
	}
	return nil
}

func invalidRule(st Statement, reason string) error {
	return apperrors.New(apperrors.CodeBehaviorInvalidRule, fmt.Sprintf("%s %q: %s", st.Verb, st.Arg, reason))
}

// Rules is a session.Behavior that runs on<event> handlers.
type Rules struct {
	// PresenceAttribute, when set, is kept on the root element as the
	// number of open connections.
	PresenceAttribute string

	connections int
}

// HandleEvent runs the handler for ev on the target element and, for a
// bubbling event, on each ancestor in turn. The first failing statement
// stops the event.
func (r *Rules) HandleEvent(_ context.Context, doc *document.Document, ev session.Event) error {
	params := parseParams(ev.Params)
	attr := HandlerPrefix + strings.ToLower(ev.Name)

	id := ev.TargetID
	for id != tree.NoNode {
		// Read the parent first; the handler may remove the element.
		parent, _ := doc.Tree().Parent(id)
		n, ok := doc.Node(id)
		if !ok {
			return nil
		}
		if src, ok := n.Attributes.Get(attr); ok {
			stmts, err := Parse(src)
			if err != nil {
				return err
			}
			for _, st := range stmts {
				if err := run(doc, id, st, params); err != nil {
					return fmt.Errorf("%s on %d: %w", st.Verb, id, err)
				}
			}
			glog.V(2).Infof("behavior: %s ran %d statements on %d", attr, len(stmts), id)
		}
		if !ev.Bubbles {
			return nil
		}
		id = parent
	}
	return nil
}

func run(doc *document.Document, id tree.NodeID, st Statement, params map[string]string) error {
	arg := expand(st.Arg, params)
	switch st.Verb {
	case "set":
		name, value, _ := strings.Cut(arg, "=")
		return doc.SetAttribute(id, strings.TrimSpace(name), strings.TrimSpace(value))
	case "unset":
		return doc.RemoveAttribute(id, arg)
	case "toggle":
		n, ok := doc.Node(id)
		if !ok {
			return apperrors.UnknownNode(uint32(id))
		}
		if _, present := n.Attributes.Get(arg); present {
			return doc.RemoveAttribute(id, arg)
		}
		return doc.SetAttribute(id, arg, "")
	case "text":
		n, ok := doc.Node(id)
		if !ok {
			return apperrors.UnknownNode(uint32(id))
		}
		if n.IsText() {
			return fmt.Errorf("text on text node %d: %w", id, tree.ErrNotElement)
		}
		txt := doc.CreateText(arg)
		if err := doc.ReplaceChildren(id, txt); err != nil {
			discard(doc, txt)
			return err
		}
		return nil
	case "append":
		ids, err := doc.ParseFragment(arg)
		if err != nil {
			return err
		}
		for i, c := range ids {
			if err := doc.AppendChild(id, c); err != nil {
				discard(doc, ids[i:]...)
				return err
			}
		}
		return nil
	case "clear":
		return doc.ReplaceChildren(id)
	case "remove":
		parent, ok := doc.Tree().Parent(id)
		if !ok {
			return nil
		}
		return doc.RemoveChild(parent, id)
	}
	return apperrors.UnknownVerb(st.Verb)
}

// discard drops nodes created for a statement that failed before they
// were attached.
func discard(doc *document.Document, ids ...tree.NodeID) {
	for _, id := range ids {
		if err := doc.Discard(id); err != nil {
			glog.V(1).Infof("behavior: discard %d: %v", id, err)
		}
	}
}

// parseParams flattens a JSON object into strings. Anything else yields
// no parameters.
func parseParams(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
	}
	return out
}

func expand(s string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(s, "{") {
		return s
	}
	for k, v := range params {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

// ConnectionOpened implements session.ConnectionListener.
func (r *Rules) ConnectionOpened(doc *document.Document, _ session.ConnectionID, _ session.ConnectionInfo) {
	r.connections++
	r.publishPresence(doc)
}

// ConnectionClosed implements session.ConnectionListener.
func (r *Rules) ConnectionClosed(doc *document.Document, _ session.ConnectionID, _ error) {
	if r.connections > 0 {
		r.connections--
	}
	r.publishPresence(doc)
}

// Refresh rewrites the presence attribute, e.g. after the document was
// reloaded and lost it. Pipeline only.
func (r *Rules) Refresh(doc *document.Document) { r.publishPresence(doc) }

func (r *Rules) publishPresence(doc *document.Document) {
	if r.PresenceAttribute == "" {
		return
	}
	if err := doc.SetAttribute(doc.Root(), r.PresenceAttribute, strconv.Itoa(r.connections)); err != nil {
		glog.Warningf("behavior: presence: %v", err)
	}
}

// Check parses every handler in doc and returns the first error, so a
// published document with a broken rule is rejected up front.
func Check(doc *document.Document) error {
	var err error
	doc.Snapshot().Walk(func(s tree.Subtree) {
		if err != nil {
			return
		}
		for _, a := range s.Attributes {
			if !strings.HasPrefix(a.Name, HandlerPrefix) || len(a.Name) == len(HandlerPrefix) {
				continue
			}
			if _, perr := Parse(a.Value); perr != nil {
				err = fmt.Errorf("node %d %s: %w", s.ID, a.Name, perr)
				return
			}
		}
	})
	return err
}
