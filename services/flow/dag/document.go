// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/condition"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
)

// Document is the serialized form of a graph, accepted as YAML or JSON.
//
//	name: release
//	tasks:
//	  - id: test
//	    payload: {command: ["go", "test", "./..."]}
//	  - id: gate
//	    kind: conditional
//	    dependencies: [test]
//	    branches:
//	      - target: publish
//	        when: {kind: is_true, field: approved}
//	      - target: notify
//	  - id: publish
//	  - id: notify
type Document struct {
	Name  string         `json:"name" yaml:"name"`
	Tasks []TaskDocument `json:"tasks" yaml:"tasks"`
	Edges []EdgeDocument `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// TaskDocument is the serialized form of a Task.
type TaskDocument struct {
	ID           string             `json:"id" yaml:"id"`
	Title        string             `json:"title,omitempty" yaml:"title,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Payload      any                `json:"payload,omitempty" yaml:"payload,omitempty"`
	Kind         NodeKind           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Branches     []condition.Branch `json:"branches,omitempty" yaml:"branches,omitempty"`
	Retries      int                `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Timeout is a Go duration string such as "30s".
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Policy  *isolation.Policy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// EdgeDocument is the serialized form of an Edge.
type EdgeDocument struct {
	From string               `json:"from" yaml:"from"`
	To   string               `json:"to" yaml:"to"`
	When *condition.Condition `json:"when,omitempty" yaml:"when,omitempty"`
}

// DecodeDocument reads a graph document.
//
// Description:
//
//	Input starting with '{' is decoded as JSON, everything else as YAML.
//	Unknown fields are rejected in both forms.
//
// Outputs:
//
//	*Document - The decoded document.
//	error - Wraps ErrInvalidDocument on malformed input.
func DecodeDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrInvalidDocument, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidDocument)
	}

	var doc Document
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrInvalidDocument, err)
		}
		return &doc, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// LoadDocument reads a graph document from a file.
func LoadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graph document: %w", err)
	}
	defer f.Close()
	return DecodeDocument(f)
}

// Build converts the document into a validated Graph.
func (d *Document) Build() (*Graph, error) {
	tasks := make([]Task, 0, len(d.Tasks))
	for _, td := range d.Tasks {
		t, err := td.task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	edges := make([]Edge, 0, len(d.Edges))
	for _, ed := range d.Edges {
		edges = append(edges, Edge{From: ed.From, To: ed.To, Condition: ed.When})
	}
	return BuildGraph(d.Name, tasks, edges)
}

func (td TaskDocument) task() (Task, error) {
	var timeout time.Duration
	if td.Timeout != "" {
		d, err := time.ParseDuration(td.Timeout)
		if err != nil {
			return Task{}, NewTaskError(td.ID, fmt.Errorf("%w: timeout %q: %v", ErrInvalidTask, td.Timeout, err))
		}
		timeout = d
	}
	return Task{
		ID:           td.ID,
		Title:        td.Title,
		Dependencies: td.Dependencies,
		Payload:      td.Payload,
		Kind:         td.Kind,
		Branches:     td.Branches,
		MaxRetries:   td.Retries,
		Timeout:      timeout,
		Policy:       td.Policy,
	}, nil
}

// NewDocument converts a graph back into its document form.
func NewDocument(g *Graph) *Document {
	doc := &Document{Name: g.Name()}
	for _, t := range g.Tasks() {
		td := TaskDocument{
			ID:           t.ID,
			Title:        t.Title,
			Dependencies: t.Dependencies,
			Payload:      t.Payload,
			Kind:         t.Kind,
			Branches:     t.Branches,
			Retries:      t.MaxRetries,
			Policy:       t.Policy,
		}
		if t.Timeout > 0 {
			td.Timeout = t.Timeout.String()
		}
		doc.Tasks = append(doc.Tasks, td)
	}

	// Edges not implied by a task's dependencies or branches.
	for _, e := range g.Edges() {
		if e.Guarded() {
			continue
		}
		t, _ := g.Task(e.To)
		implied := false
		for _, dep := range t.Dependencies {
			if dep == e.From {
				implied = true
				break
			}
		}
		if !implied {
			doc.Edges = append(doc.Edges, EdgeDocument{From: e.From, To: e.To})
		}
	}
	return doc
}
