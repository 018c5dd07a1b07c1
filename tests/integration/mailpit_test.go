//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// inbox reads the mail captured by the mailpit container.
type inbox struct {
	baseURL string
	http    *http.Client
}

func newInbox(host string, port int) *inbox {
	return &inbox{
		baseURL: fmt.Sprintf("http://%s:%d/api/v1", host, port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type mailAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

type mail struct {
	ID      string        `json:"ID"`
	From    mailAddress   `json:"From"`
	To      []mailAddress `json:"To"`
	Cc      []mailAddress `json:"Cc"`
	Bcc     []mailAddress `json:"Bcc"`
	Subject string        `json:"Subject"`
	Text    string        `json:"Text"`
}

// recipients lists every To, Cc and Bcc address.
func (m *mail) recipients() []string {
	var out []string
	for _, group := range [][]mailAddress{m.To, m.Cc, m.Bcc} {
		for _, a := range group {
			out = append(out, a.Address)
		}
	}
	return out
}

func (b *inbox) clear() error {
	req, err := http.NewRequest(http.MethodDelete, b.baseURL+"/messages", nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clear inbox: status %d", resp.StatusCode)
	}
	return nil
}

func (b *inbox) list() ([]mail, error) {
	var out struct {
		Messages []mail `json:"messages"`
	}
	if err := b.getJSON("/messages", &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// message returns one mail with its plain text body.
func (b *inbox) message(id string) (*mail, error) {
	var m mail
	if err := b.getJSON("/message/"+id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// waitFor polls until at least n mails arrived or timeout passes.
func (b *inbox) waitFor(n int, timeout time.Duration) ([]mail, error) {
	deadline := time.Now().Add(timeout)
	for {
		mails, err := b.list()
		if err == nil && len(mails) >= n {
			return mails, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, fmt.Errorf("waiting for %d mails: %w", n, err)
			}
			return mails, fmt.Errorf("waiting for %d mails: got %d", n, len(mails))
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (b *inbox) getJSON(path string, v any) error {
	resp, err := b.http.Get(b.baseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
