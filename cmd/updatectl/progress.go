// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// progressEvent is the wire shape posted to cmd/progress-monitor, one
// message per callback firing, matching pipeline.Callbacks' three events.
type progressEvent struct {
	Type     string  `json:"type"`
	Fraction float64 `json:"fraction,omitempty"`
	Stage    string  `json:"stage,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// progressNotifier forwards pipeline callbacks to a progress-monitor
// instance over HTTP; an empty addr makes every method a no-op so updatectl
// runs standalone without one.
type progressNotifier struct {
	addr   string
	client *http.Client
}

func newProgressNotifier(addr string) *progressNotifier {
	return &progressNotifier{addr: addr, client: &http.Client{Timeout: 5 * time.Second}}
}

func (n *progressNotifier) send(e progressEvent) {
	if n.addr == "" {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	resp, err := n.client.Post(n.addr, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Debug("progress-monitor post failed")
		return
	}
	resp.Body.Close()
}

func (n *progressNotifier) progress(f float64) {
	n.send(progressEvent{Type: "progress", Fraction: f})
}

func (n *progressNotifier) stage(stage string) {
	n.send(progressEvent{Type: "stage", Stage: stage})
}

func (n *progressNotifier) complete(err error) {
	e := progressEvent{Type: "complete"}
	if err != nil {
		e.Error = err.Error()
	}
	n.send(e)
}
