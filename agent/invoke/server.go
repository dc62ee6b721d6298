package invoke

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/guseggert/rbridge/bridge"
	"github.com/guseggert/rbridge/executor"
)

// FunctionProvider returns the function to invoke, building and preparing it
// on first use. A provider must keep returning the same fatal error once the
// function has failed to come up.
type FunctionProvider func(ctx context.Context) (executor.Function, error)

type Server struct {
	Log *zap.SugaredLogger
	Fn  FunctionProvider
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.Log.Debug("accepted WebSocket conn")

	ctx := r.Context()
	for {
		var req callRequestMessage
		err := wsjson.Read(ctx, wsConn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.Log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			s.Log.Debugf("message reader got error: %s", err)
			wsConn.Close(websocket.StatusInternalError, err.Error())
			return
		}

		resp := s.call(ctx, &req)
		if err := wsjson.Write(ctx, wsConn, resp); err != nil {
			s.Log.Debugf("error writing response: %s", err)
			wsConn.Close(websocket.StatusInternalError, err.Error())
			return
		}
	}
}

func (s *Server) call(ctx context.Context, req *callRequestMessage) *callResponseMessage {
	resp := &callResponseMessage{ID: req.ID}

	fn, err := s.Fn(ctx)
	if err != nil {
		s.Log.Debugf("call %s: function unavailable: %s", req.ID, err)
		resp.Err = err.Error()
		resp.Fatal = true
		return resp
	}

	vals, err := fn.Invoke(ctx, req.Input)
	if err != nil {
		s.Log.Debugf("call %s failed: %s", req.ID, err)
		resp.Err = err.Error()
		resp.Fatal = bridge.IsFatal(err)
		return resp
	}
	if vals == nil {
		resp.NoResult = true
		return resp
	}
	resp.Values = vals
	return resp
}
