package main

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type msgGetHandler struct {
	h *hub
}

func (mh msgGetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mh.h.sessions.touch(w, r)
	msgs, err := mh.h.messages.trySnapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, "Could not access messages, try again.")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type msgNewHandler struct {
	h *hub
}

func (mh msgNewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := mh.h.sessions.touch(w, r)
	if session == "" {
		writeJSON(w, http.StatusBadRequest, "Session must be set to make a new message")
		return
	}
	msg, err := mh.h.newMessage(session)
	if err != nil {
		log.WithError(err).WithField("session", session).Error("msg/new failed")
		status := http.StatusInternalServerError
		if errors.Is(err, ErrCapacityExceeded) {
			writeJSON(w, status, "No more messages can be created")
			return
		}
		writeJSON(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type sessionNewHandler struct {
	h *hub
}

func (sh sessionNewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expired but unswept sessions are reset too.
	if old, ok := requestSession(r); ok {
		sh.h.resetSession(old)
	}
	sh.h.sessions.create(w)
	w.WriteHeader(http.StatusOK)
}

type testPageHandler struct{}

func (testPageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := testTemplate.Execute(w, templateArgs{Prefix: apiPrefix}); err != nil {
		log.WithError(err).Error("rendering test page")
	}
}

type eventsWsHandler struct {
	h  *hub
	up *websocket.Upgrader
}

func (eh eventsWsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscribed before the handshake completes, so the peer sees
	// everything published once it is connected.
	sub := eh.h.events.subscribe()
	defer sub.close()
	ws, err := eh.up.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("events upgrade failed")
		return
	}

	c := newConnection(websocketInteractor{ws}, eh.h, "events", "")
	err = c.run(r.Context(), c.drain, func(ctx context.Context) error {
		return forward(ctx, c, sub, eventFrame)
	})
	logClosed(c, err)
}

type keyWsHandler struct {
	h  *hub
	up *websocket.Upgrader
}

func (kh keyWsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, ok := kh.h.sessions.current(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, "Session must be set to send keystrokes")
		return
	}
	sub := kh.h.keys.subscribe()
	defer sub.close()
	ws, err := kh.up.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("key upgrade failed")
		return
	}
	kh.h.sessions.keepAlive(session)

	c := newConnection(websocketInteractor{ws}, kh.h, "key", session)
	err = c.run(r.Context(), c.readKeys, func(ctx context.Context) error {
		return forward(ctx, c, sub, keystrokeFrame)
	})
	logClosed(c, err)
}

func logClosed(c *connection, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		c.log.Debug("connection closed")
		return
	}
	c.log.WithError(err).Info("connection closed")
}

func writeJSON(w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(obj)
}

type templateArgs struct {
	Prefix string
}

var testTemplate = template.Must(template.New("testTemplate").Parse(`<!DOCTYPE html>
<html>
<head>
<title>cavalier</title>
<style type="text/css">
body { font-family: sans-serif; margin: 1em; }
#log div { white-space: pre-wrap; border-bottom: 1px solid #ddd; padding: 0.2em; }
</style>
</head>
<body>
<h1 style="text-align: center;">GET test</h1>
<div id="log"></div>
<input type="text" id="msg" size="64" disabled/>
<script type="text/javascript">
(function() {
    var base = (location.protocol === "https:" ? "wss://" : "ws://") + location.host + "{{.Prefix}}";
    var log = document.getElementById("log");
    var input = document.getElementById("msg");
    var prev = "";

    function div(id) {
        var d = document.getElementById("msg-" + id);
        if (!d) {
            d = document.createElement("div");
            d.id = "msg-" + id;
            d.dataset.text = "";
            log.appendChild(d);
        }
        return d;
    }

    function put(id, ch) {
        var d = div(id);
        var cps = Array.from(d.dataset.text);
        if (ch === "\b") { cps.pop(); } else { cps.push(ch); }
        d.dataset.text = cps.join("");
        d.textContent = d.dataset.text;
    }

    fetch("{{.Prefix}}/msg/get", {credentials: "same-origin"}).then(function(r) { return r.json(); }).then(function(msgs) {
        msgs.forEach(function(m) { Array.from(m.text).forEach(function(ch) { put(m.id, ch); }); });
        return fetch("{{.Prefix}}/msg/new", {credentials: "same-origin"});
    }).then(function() {
        var events = new WebSocket(base + "/ws/events");
        events.onmessage = function(e) {
            var ev = JSON.parse(e.data);
            if (ev.event === "MessageNew") { div(ev.data.id); }
        };
        var keys = new WebSocket(base + "/ws/key");
        keys.binaryType = "arraybuffer";
        keys.onopen = function() { input.disabled = false; input.focus(); };
        keys.onmessage = function(e) {
            var v = new DataView(e.data);
            put(v.getUint32(4, true), String.fromCodePoint(v.getUint32(0, true)));
        };
        input.addEventListener("input", function() {
            var next = input.value;
            if (next === prev) { return; }
            var cp = next.length < prev.length ? 8 : Array.from(next).pop().codePointAt(0);
            prev = next;
            var b = new DataView(new ArrayBuffer(4));
            b.setUint32(0, cp, true);
            keys.send(b.buffer);
        });
    });
})();
</script>
</body>
</html>
`))
