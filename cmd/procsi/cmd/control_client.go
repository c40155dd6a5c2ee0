package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// controlClient speaks the daemon's newline-delimited JSON-RPC dialect
// over the project control socket. One frame out, one frame back.
type controlClient struct {
	conn net.Conn
	r    *bufio.Reader
	seq  int
}

func dialControl(socketPath string) (*controlClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("cannot reach daemon at %s (is it running?): %w", socketPath, err)
	}
	return &controlClient{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *controlClient) Close() error { return c.conn.Close() }

type controlResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *controlClient) call(method string, params any) (json.RawMessage, error) {
	c.seq++
	frame := map[string]any{
		"id":     "cli-" + strconv.Itoa(c.seq),
		"method": method,
	}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("control write: %w", err)
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("control read: %w", err)
	}
	var resp controlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("malformed control response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}
