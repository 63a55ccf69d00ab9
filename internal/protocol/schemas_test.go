package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	joinSchema := compile("join.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	deniedSchema := compile("denied.schema.json")
	actionSchema := compile("action.schema.json")
	resultSchema := compile("result.schema.json")
	eventSchema := compile("event.schema.json")
	syncSchema := compile("sync.schema.json")
	watchSchema := compile("watch.schema.json")
	watchingSchema := compile("watching.schema.json")

	var join any
	_ = json.Unmarshal([]byte(`{
	  "type":"JOIN",
	  "protocol_version":"1.0",
	  "room":"arena",
	  "participant_id":"p1",
	  "payload":{"name":"Ada"}
	}`), &join)
	validate(joinSchema, join)

	var welcome any
	_ = json.Unmarshal([]byte(`{
	  "type":"WELCOME",
	  "protocol_version":"1.0",
	  "room":"arena:7f3a2c10",
	  "participant_id":"p1",
	  "session_id":"s-001",
	  "rejoin":false,
	  "sync_interval_ms":100,
	  "tick_interval_ms":200
	}`), &welcome)
	validate(welcomeSchema, welcome)

	var denied any
	_ = json.Unmarshal([]byte(`{
	  "type":"DENIED",
	  "protocol_version":"1.0",
	  "code":"E_CAPACITY",
	  "reason":"room is full"
	}`), &denied)
	validate(deniedSchema, denied)

	var action any
	_ = json.Unmarshal([]byte(`{
	  "type":"ACTION",
	  "protocol_version":"1.0",
	  "id":"a1",
	  "name":"move",
	  "payload":{"x":3,"y":4}
	}`), &action)
	validate(actionSchema, action)

	var result any
	_ = json.Unmarshal([]byte(`{
	  "type":"RESULT",
	  "protocol_version":"1.0",
	  "id":"a1",
	  "ok":true,
	  "value":{"x":3,"y":4}
	}`), &result)
	validate(resultSchema, result)

	var event any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENT",
	  "protocol_version":"1.0",
	  "name":"emote",
	  "payload":{"kind":"wave"}
	}`), &event)
	validate(eventSchema, event)

	var sync any
	_ = json.Unmarshal([]byte(`{
	  "type":"SYNC",
	  "protocol_version":"1.0",
	  "round":12,
	  "scope":"self",
	  "mode":"diff",
	  "patches":[
	    {"p":305419896,"o":"set","v":42},
	    {"p":2271560481,"k":[0,"p1"],"o":"set","v":{"hp":80}},
	    {"p":2271560481,"k":[[1,"p2"],"score"],"o":"del"},
	    {"p":4275878552,"k":0,"o":"add","v":"hello"}
	  ]
	}`), &sync)
	validate(syncSchema, sync)

	var watch any
	_ = json.Unmarshal([]byte(`{
	  "type":"WATCH",
	  "protocol_version":"1.0",
	  "room":"arena:7f3a2c10"
	}`), &watch)
	validate(watchSchema, watch)

	var watching any
	_ = json.Unmarshal([]byte(`{
	  "type":"WATCHING",
	  "protocol_version":"1.0",
	  "room":"arena:7f3a2c10",
	  "watcher_id":"watch:9c1d4e88-2b1f-4f7c-9a61-0d2f3a4b5c6d",
	  "sync_interval_ms":100
	}`), &watching)
	validate(watchingSchema, watching)
}
