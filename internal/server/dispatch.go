package server

import (
	"errors"
	"fmt"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/protocol"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// dispatch handles one request frame from an Active peer. A non-nil error
// ends the session.
func (s *session) dispatch(f protocol.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.srv.logger.Error("panic handling request", "session", s.id, "type", f.Type.String(), "panic", r)
			s.sendError(0, protocol.CodeInternal, "internal error")
			err = errPanic
		}
	}()

	switch f.Type {
	case protocol.TypeQueryContainers:
		var req protocol.QueryContainers
		if err := protocol.Unmarshal(f, &req); err != nil {
			return err
		}
		replyChunked(s, req.ID, protocol.TypeContainers, s.srv.reg.ListContainers(),
			func(chunk []vdc.Container, more bool) any {
				return protocol.Containers{ID: req.ID, Containers: chunk, More: more}
			})

	case protocol.TypeQueryDevices:
		var req protocol.QueryDevices
		if err := protocol.Unmarshal(f, &req); err != nil {
			return err
		}
		devices, err := s.srv.reg.ListDevices(req.Container)
		if err != nil {
			s.replyError(req.ID, err)
			return nil
		}
		replyChunked(s, req.ID, protocol.TypeDevices, devices,
			func(chunk []vdc.Device, more bool) any {
				return protocol.Devices{ID: req.ID, Devices: chunk, More: more}
			})

	case protocol.TypeSetProperty:
		var req protocol.SetProperty
		if err := protocol.Unmarshal(f, &req); err != nil {
			return err
		}
		change, err := s.srv.reg.UpdateDeviceProperty(req.Device, req.Key, req.Value)
		if err != nil {
			s.replyError(req.ID, err)
			return nil
		}
		s.reply(protocol.TypePropertySet, protocol.PropertySet{ID: req.ID, Change: change})

	case protocol.TypeSubscribe:
		var req protocol.Subscribe
		if err := protocol.Unmarshal(f, &req); err != nil {
			return err
		}
		s.subscribe()
		s.reply(protocol.TypeSubscribed, protocol.Subscribed{ID: req.ID})

	case protocol.TypePing:
		var req protocol.Ping
		if err := protocol.Unmarshal(f, &req); err != nil {
			return err
		}
		s.reply(protocol.TypePong, protocol.Pong{ID: req.ID})

	case protocol.TypeBye:
		return errPeerBye

	default:
		if !f.Type.Known() {
			return fmt.Errorf("%w: %s", protocol.ErrUnknownType, f.Type)
		}
		return fmt.Errorf("%w: %s from peer", protocol.ErrUnexpectedType, f.Type)
	}
	return nil
}

// replyChunked sends items as one or more replies of type t, each built by
// wrap, so a listing larger than one frame still reaches the peer.
func replyChunked[T any](s *session, id uint64, t protocol.MessageType, items []T, wrap func(chunk []T, more bool) any) {
	chunks, err := protocol.Chunk(items)
	if err != nil {
		s.srv.logger.Error("splitting reply", "session", s.id, "type", t.String(), "error", err)
		s.sendError(id, protocol.CodeInternal, "reply too large")
		return
	}
	for i, chunk := range chunks {
		s.reply(t, wrap(chunk, i < len(chunks)-1))
	}
}

// replyError answers a request the registry rejected. The session stays
// Active.
func (s *session) replyError(id uint64, err error) {
	code := errorCode(err)
	if code == protocol.CodeInternal {
		s.srv.logger.Error("request failed", "session", s.id, "error", err)
	}
	s.sendError(id, code, err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, vdc.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, vdc.ErrDuplicateID):
		return protocol.CodeDuplicateID
	case errors.Is(err, vdc.ErrInvalidProperty), errors.Is(err, vdc.ErrInvalidSpec):
		return protocol.CodeInvalidRequest
	default:
		return protocol.CodeInternal
	}
}
