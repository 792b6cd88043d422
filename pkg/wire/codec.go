// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame is returned by Decode when the bytes do not parse as the
// envelope schema, or when a oneof is empty or set more than once.
var ErrMalformedFrame = errors.New("malformed frame")

// Field numbers from message.proto. Frozen.
const (
	msgHTTP = 1
	msgWS   = 2

	httpRequestID = 1
	httpRequest   = 2
	httpResponse  = 3

	reqPath    = 1
	reqMethod  = 2
	reqQuery   = 3
	reqHeaders = 4
	reqBody    = 5
	reqPort    = 6

	resStatus  = 1
	resHeaders = 2
	resBody    = 3

	wsSocketID = 1
	wsText     = 2
	wsBinary   = 3
	wsPing     = 4
	wsPong     = 5
	wsClose    = 6

	closeCode   = 1
	closeReason = 2

	mapKey   = 1
	mapValue = 2
)

// Encode serializes an envelope. It is total for well-formed values; an
// envelope with no payload encodes to an empty frame, which the peer's
// decoder rejects.
func Encode(m *Message) []byte {
	var b []byte
	switch {
	case m.HTTP != nil:
		b = protowire.AppendTag(b, msgHTTP, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHTTP(nil, m.HTTP))
	case m.WebSocket != nil:
		b = protowire.AppendTag(b, msgWS, protowire.BytesType)
		b = protowire.AppendBytes(b, appendWS(nil, m.WebSocket))
	}
	return b
}

func appendHTTP(b []byte, h *HTTP) []byte {
	if len(h.RequestID) > 0 {
		b = protowire.AppendTag(b, httpRequestID, protowire.BytesType)
		b = protowire.AppendBytes(b, h.RequestID)
	}
	switch {
	case h.Request != nil:
		b = protowire.AppendTag(b, httpRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRequest(nil, h.Request))
	case h.Response != nil:
		b = protowire.AppendTag(b, httpResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, appendResponse(nil, h.Response))
	}
	return b
}

func appendRequest(b []byte, r *Request) []byte {
	if r.Path != "" {
		b = protowire.AppendTag(b, reqPath, protowire.BytesType)
		b = protowire.AppendString(b, r.Path)
	}
	if r.Method != "" {
		b = protowire.AppendTag(b, reqMethod, protowire.BytesType)
		b = protowire.AppendString(b, r.Method)
	}
	if r.QueryString != "" {
		b = protowire.AppendTag(b, reqQuery, protowire.BytesType)
		b = protowire.AppendString(b, r.QueryString)
	}
	b = appendHeaders(b, reqHeaders, r.Headers)
	if len(r.Body) > 0 {
		b = protowire.AppendTag(b, reqBody, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	if r.Port != 0 {
		b = protowire.AppendTag(b, reqPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Port))
	}
	return b
}

func appendResponse(b []byte, r *Response) []byte {
	if r.StatusCode != 0 {
		b = protowire.AppendTag(b, resStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.StatusCode))
	}
	b = appendHeaders(b, resHeaders, r.Headers)
	if len(r.Body) > 0 {
		b = protowire.AppendTag(b, resBody, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Body)
	}
	return b
}

// appendHeaders emits map entries with sorted keys so that encoding is
// deterministic.
func appendHeaders(b []byte, num protowire.Number, headers map[string]string) []byte {
	if len(headers) == 0 {
		return b
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		if k != "" {
			entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
		}
		if v := headers[k]; v != "" {
			entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
			entry = protowire.AppendString(entry, v)
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func appendWS(b []byte, w *WebSocket) []byte {
	if len(w.SocketID) > 0 {
		b = protowire.AppendTag(b, wsSocketID, protowire.BytesType)
		b = protowire.AppendBytes(b, w.SocketID)
	}
	switch w.Frame.Kind {
	case Text:
		b = protowire.AppendTag(b, wsText, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Frame.Data)
	case Binary:
		b = protowire.AppendTag(b, wsBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Frame.Data)
	case Ping:
		b = protowire.AppendTag(b, wsPing, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Frame.Data)
	case Pong:
		b = protowire.AppendTag(b, wsPong, protowire.BytesType)
		b = protowire.AppendBytes(b, w.Frame.Data)
	case Close:
		var c []byte
		if w.Frame.Code != 0 {
			c = protowire.AppendTag(c, closeCode, protowire.VarintType)
			c = protowire.AppendVarint(c, uint64(w.Frame.Code))
		}
		if w.Frame.Reason != "" {
			c = protowire.AppendTag(c, closeReason, protowire.BytesType)
			c = protowire.AppendString(c, w.Frame.Reason)
		}
		b = protowire.AppendTag(b, wsClose, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	return b
}

// Decode parses an outer frame into an envelope. Unknown fields are skipped;
// an empty or doubly-set payload union fails with ErrMalformedFrame.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := walkFields(data, func(num protowire.Number, raw []byte) error {
		switch num {
		case msgHTTP:
			if m.HTTP != nil || m.WebSocket != nil {
				return fmt.Errorf("%w: ambiguous protocol union", ErrMalformedFrame)
			}
			h, err := decodeHTTP(raw)
			if err != nil {
				return err
			}
			m.HTTP = h
		case msgWS:
			if m.HTTP != nil || m.WebSocket != nil {
				return fmt.Errorf("%w: ambiguous protocol union", ErrMalformedFrame)
			}
			w, err := decodeWS(raw)
			if err != nil {
				return err
			}
			m.WebSocket = w
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if m.HTTP == nil && m.WebSocket == nil {
		return nil, fmt.Errorf("%w: empty protocol union", ErrMalformedFrame)
	}
	return m, nil
}

func decodeHTTP(data []byte) (*HTTP, error) {
	h := &HTTP{}
	if err := walkFields(data, func(num protowire.Number, raw []byte) error {
		switch num {
		case httpRequestID:
			h.RequestID = ID(raw)
		case httpRequest:
			if h.Request != nil || h.Response != nil {
				return fmt.Errorf("%w: ambiguous http union", ErrMalformedFrame)
			}
			req, err := decodeRequest(raw)
			if err != nil {
				return err
			}
			h.Request = req
		case httpResponse:
			if h.Request != nil || h.Response != nil {
				return fmt.Errorf("%w: ambiguous http union", ErrMalformedFrame)
			}
			res, err := decodeResponse(raw)
			if err != nil {
				return err
			}
			h.Response = res
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if h.Request == nil && h.Response == nil {
		return nil, fmt.Errorf("%w: empty http union", ErrMalformedFrame)
	}
	return h, nil
}

func decodeRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := walkFields(data, func(num protowire.Number, raw []byte) error {
		switch num {
		case reqPath:
			r.Path = string(raw)
		case reqMethod:
			r.Method = string(raw)
		case reqQuery:
			r.QueryString = string(raw)
		case reqHeaders:
			k, v, err := decodeHeaderEntry(raw)
			if err != nil {
				return err
			}
			if r.Headers == nil {
				r.Headers = make(map[string]string)
			}
			r.Headers[k] = v
		case reqBody:
			r.Body = raw
		case reqPort:
			n, err := decodeUint32(raw)
			if err != nil {
				return err
			}
			r.Port = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := walkFields(data, func(num protowire.Number, raw []byte) error {
		switch num {
		case resStatus:
			n, err := decodeUint32(raw)
			if err != nil {
				return err
			}
			r.StatusCode = n
		case resHeaders:
			k, v, err := decodeHeaderEntry(raw)
			if err != nil {
				return err
			}
			if r.Headers == nil {
				r.Headers = make(map[string]string)
			}
			r.Headers[k] = v
		case resBody:
			r.Body = raw
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeWS(data []byte) (*WebSocket, error) {
	w := &WebSocket{}
	setFrame := func(f Frame) error {
		if w.Frame.Kind != 0 {
			return fmt.Errorf("%w: ambiguous websocket union", ErrMalformedFrame)
		}
		w.Frame = f
		return nil
	}
	if err := walkFields(data, func(num protowire.Number, raw []byte) error {
		switch num {
		case wsSocketID:
			w.SocketID = ID(raw)
		case wsText:
			return setFrame(Frame{Kind: Text, Data: raw})
		case wsBinary:
			return setFrame(Frame{Kind: Binary, Data: raw})
		case wsPing:
			return setFrame(Frame{Kind: Ping, Data: raw})
		case wsPong:
			return setFrame(Frame{Kind: Pong, Data: raw})
		case wsClose:
			f := Frame{Kind: Close}
			err := walkFields(raw, func(num protowire.Number, raw []byte) error {
				switch num {
				case closeCode:
					n, err := decodeUint32(raw)
					if err != nil {
						return err
					}
					f.Code = n
				case closeReason:
					f.Reason = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			return setFrame(f)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if w.Frame.Kind == 0 {
		return nil, fmt.Errorf("%w: empty websocket union", ErrMalformedFrame)
	}
	return w, nil
}

func decodeHeaderEntry(data []byte) (string, string, error) {
	var k, v string
	err := walkFields(data, func(num protowire.Number, raw []byte) error {
		switch num {
		case mapKey:
			k = string(raw)
		case mapValue:
			v = string(raw)
		}
		return nil
	})
	return k, v, err
}

func decodeUint32(raw []byte) (uint32, error) {
	n, c := protowire.ConsumeVarint(raw)
	if c < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(c))
	}
	return uint32(n), nil
}

// walkFields iterates the fields of one message. Length-delimited fields are
// handed to fn as their raw bytes; varint fields are re-encoded so that fn
// can consume them uniformly. Fields of other wire types are skipped.
func walkFields(data []byte, fn func(num protowire.Number, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if err := fn(num, raw); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if err := fn(num, data[:n]); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
