package kneader

import (
	"context"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenKneaderCore/internal/scan"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// Command is one operator request as carried on the HMI line protocol.
type Command struct {
	Command string                 `json:"command"`
	Data    map[string]interface{} `json:"data,omitempty"`
	TagName string                 `json:"tag_name,omitempty"`
	Value   interface{}            `json:"value,omitempty"`
}

func (c Command) Barcode() string {
	if c.Data == nil {
		return ""
	}
	s, _ := c.Data["barcode"].(string)
	return strings.TrimSpace(s)
}

// Response is a Status, an Ack or a hardware.Result.
type Response interface{}

// Ack answers commands that do not return the full status.
type Ack struct {
	Status        string              `json:"status"`
	Message       string              `json:"message"`
	Result        scan.Result         `json:"result,omitempty"`
	PrescanStatus *scan.PrescanStatus `json:"prescan_status,omitempty"`
}

const (
	AckSuccess = "success"
	AckFail    = "fail"
	AckError   = "error"
)

func ack(status, message string) Ack {
	return Ack{Status: status, Message: message}
}

// reply is a one-shot response slot; only the first resolve is delivered.
type reply struct {
	ch   chan Response
	once sync.Once
}

func newReply() *reply {
	return &reply{ch: make(chan Response, 1)}
}

func (r *reply) resolve(resp Response) bool {
	delivered := false
	r.once.Do(func() {
		r.ch <- resp
		delivered = true
	})
	return delivered
}

// request is either an operator command with a reply slot or an internal
// transition fn posted by a run's goroutines.
type request struct {
	cmd       Command
	workorder *workorder.WorkOrder
	reply     *reply

	fn   func()
	run  *run
	done chan struct{}
}

// submit enqueues req in FIFO order.
func (c *Controller) submit(ctx context.Context, req *request) error {
	select {
	case c.gate <- req:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// apply runs fn on the supervisor and waits for it. It returns errStale when
// the supervisor dropped fn because r is no longer the active run.
func (c *Controller) apply(r *run, fn func()) error {
	executed := false
	req := &request{
		fn:   func() { fn(); executed = true },
		run:  r,
		done: make(chan struct{}),
	}
	if err := c.submit(r.ctx, req); err != nil {
		return err
	}

	select {
	case <-req.done:
		if !executed {
			return errStale
		}
		return nil
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}
}

// advance runs fn once the run is not paused, so task side transitions never
// overwrite ABORTED.
func (c *Controller) advance(r *run, fn func()) error {
	for {
		if err := r.pause.Wait(r.ctx); err != nil {
			return err
		}
		applied := false
		err := c.apply(r, func() {
			if !r.pause.Paused() {
				fn()
				applied = true
			}
		})
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
}
