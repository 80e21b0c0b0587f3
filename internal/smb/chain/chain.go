// Package chain models an ordered sequence of request/response pairs that
// may be sent as one wire message: an SMB2 compound or an SMB1 AndX chain.
//
// When credits or buffer size force a chain to be sent in several wire
// writes, the linking callback runs before each continuation so the next
// request can pick up values that only the previous response carries (a
// FileId returned by CREATE, for example). Inside a single wire write the
// server propagates those values itself through the related-operations
// mechanism.
package chain

import "fmt"

// Link pairs a request with the response object that will be filled in
// for it.
type Link[Req, Resp any] struct {
	Request  Req
	Response Resp
}

// LinkFunc prepares next using the response to the request before it.
type LinkFunc[Req, Resp any] func(prev Resp, next Req) error

// Chain is an ordered list of links with an optional linking callback.
type Chain[Req, Resp any] struct {
	links []Link[Req, Resp]
	link  LinkFunc[Req, Resp]
}

// New returns an empty chain. link may be nil.
func New[Req, Resp any](link LinkFunc[Req, Resp]) *Chain[Req, Resp] {
	return &Chain[Req, Resp]{link: link}
}

// Single returns a one-element chain.
func Single[Req, Resp any](req Req, resp Resp) *Chain[Req, Resp] {
	return New[Req, Resp](nil).Add(req, resp)
}

// Add appends a request/response pair.
func (c *Chain[Req, Resp]) Add(req Req, resp Resp) *Chain[Req, Resp] {
	c.links = append(c.links, Link[Req, Resp]{Request: req, Response: resp})
	return c
}

// Len returns the number of links.
func (c *Chain[Req, Resp]) Len() int { return len(c.links) }

// Links returns the links in order. The slice must not be modified.
func (c *Chain[Req, Resp]) Links() []Link[Req, Resp] { return c.links }

// At returns the i-th link.
func (c *Chain[Req, Resp]) At(i int) Link[Req, Resp] { return c.links[i] }

// Last returns the final link.
func (c *Chain[Req, Resp]) Last() Link[Req, Resp] { return c.links[len(c.links)-1] }

// Split divides the chain before index i. Both halves share the linking
// callback; no link is lost or duplicated.
func (c *Chain[Req, Resp]) Split(i int) (head, tail *Chain[Req, Resp]) {
	if i <= 0 || i >= len(c.links) {
		panic(fmt.Sprintf("chain: split index %d out of range for length %d", i, len(c.links)))
	}
	head = &Chain[Req, Resp]{links: c.links[:i:i], link: c.link}
	tail = &Chain[Req, Resp]{links: c.links[i:], link: c.link}
	return head, tail
}

// Prepare runs the linking callback from prev to the first request of c.
func (c *Chain[Req, Resp]) Prepare(prev Resp) error {
	if c.link == nil || len(c.links) == 0 {
		return nil
	}
	return c.link(prev, c.links[0].Request)
}
