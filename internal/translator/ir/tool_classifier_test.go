package ir

import "testing"

func TestClassifierNativeTool(t *testing.T) {
	c := NewToolCallClassifier(false)
	abort := c.FeedToolCall(`{"name":"weather","arguments":{"city":"Paris"}}`)
	if abort {
		t.Fatal("native tool must not abort")
	}
	c.Finalize()

	res := c.Result()
	if res.Misrouted {
		t.Error("weather should classify as native")
	}
	if res.Failed {
		t.Error("no failure marker seen")
	}
	if res.ToolCall == nil || res.ToolCall.Name != "weather" {
		t.Fatalf("tool call = %+v", res.ToolCall)
	}
	if res.ToolCall.Arguments["city"] != "Paris" {
		t.Errorf("arguments = %v", res.ToolCall.Arguments)
	}
}

func TestClassifierMisroutedTool(t *testing.T) {
	c := NewToolCallClassifier(false)
	abort := c.FeedToolCall(`{"name":"do_homework","arguments":{}}`)
	if !abort {
		t.Fatal("misrouted tool must abort")
	}
	res := c.Result()
	if !res.Misrouted {
		t.Error("result should be misrouted")
	}
	if res.ToolCall != nil {
		t.Error("misrouted call must not be reported as a tool call")
	}
	if c.MisroutedTool() != "do_homework" {
		t.Errorf("misrouted tool = %q, want do_homework", c.MisroutedTool())
	}
	// Later fragments are ignored once misrouted.
	if c.FeedToolCall(`{"name":"weather","arguments":{}}`) {
		t.Error("no further aborts after misroute")
	}
	if c.Result().ToolCall != nil {
		t.Error("classification must not change after misroute")
	}
}

func TestClassifierBounceModeSuppressesMisroute(t *testing.T) {
	c := NewToolCallClassifier(true)
	if c.FeedToolCall(`{"name":"my_custom_tool","arguments":{"q":1}}`) {
		t.Fatal("bounce mode must not abort")
	}
	res := c.Result()
	if res.Misrouted {
		t.Error("bounce mode suppresses misroute detection")
	}
	if res.ToolCall == nil || res.ToolCall.Name != "my_custom_tool" {
		t.Fatalf("tool call = %+v", res.ToolCall)
	}
}

func TestClassifierSplitAcrossChunks(t *testing.T) {
	c := NewToolCallClassifier(false)
	if c.FeedToolCall(`{"name":"wea`) {
		t.Fatal("partial object must not abort")
	}
	if c.FeedToolCall(`ther","arguments":{"city":"Hanoi"}`) {
		t.Fatal("still partial")
	}
	if c.FeedToolCall(`}`) {
		t.Fatal("native tool must not abort")
	}
	if got := c.Result().ToolCall; got == nil || got.Name != "weather" {
		t.Fatalf("tool call = %+v", got)
	}
}

func TestClassifierOnlyFirstCallClassified(t *testing.T) {
	c := NewToolCallClassifier(false)
	c.FeedToolCall(`{"name":"weather","arguments":{"city":"Paris"}}`)
	c.FeedToolCall(`{"name":"search_web","arguments":{"q":"go"}}`)
	res := c.Result()
	if res.ToolCall == nil || res.ToolCall.Name != "weather" {
		t.Fatalf("first call must win, got %+v", res.ToolCall)
	}
}

func TestClassifierArgumentNormalization(t *testing.T) {
	// Alternate field name.
	c := NewToolCallClassifier(false)
	c.FeedToolCall(`{"name":"weather","parameters":{"city":"Lyon"}}`)
	if got := c.Result().ToolCall; got == nil || got.Arguments["city"] != "Lyon" {
		t.Fatalf("parameters not normalized: %+v", got)
	}

	// JSON-encoded string form.
	c = NewToolCallClassifier(false)
	c.FeedToolCall(`{"name":"weather","arguments":"{\"city\":\"Nice\"}"}`)
	if got := c.Result().ToolCall; got == nil || got.Arguments["city"] != "Nice" {
		t.Fatalf("string arguments not normalized: %+v", got)
	}

	// Missing arguments still classify with an empty map.
	c = NewToolCallClassifier(false)
	c.FeedToolCall(`{"name":"weather"}`)
	if got := c.Result().ToolCall; got == nil || got.Arguments == nil {
		t.Fatalf("missing arguments should yield empty map: %+v", got)
	}
}

func TestClassifierUnparseableSpanDropped(t *testing.T) {
	c := NewToolCallClassifier(false)
	// Brace-balanced but not a tool call: no name.
	if c.FeedToolCall(`{"not_a_tool":true}`) {
		t.Fatal("dropped span must not abort")
	}
	if c.Result().ToolCall != nil {
		t.Fatal("dropped span must not classify")
	}
	// Slot stays open for the next object.
	c.FeedToolCall(`{"name":"weather","arguments":{}}`)
	if got := c.Result().ToolCall; got == nil || got.Name != "weather" {
		t.Fatalf("next object should classify, got %+v", got)
	}
}

func TestClassifierResultFailureMarker(t *testing.T) {
	c := NewToolCallClassifier(false)
	c.FeedToolCall(`{"name":"weather","arguments":{}}`)

	// Results before any failure marker leave the flag unset.
	c.FeedToolResult(`{"status":"ok","data":{"temp":21}}`)
	if c.Result().Failed {
		t.Fatal("ok result must not mark failure")
	}

	c.FeedToolResult(`{"status":"error","error":"city not found"}`)
	if !c.Result().Failed {
		t.Fatal("failure marker must latch")
	}

	// The flag is not reset by later successful results.
	c.FeedToolResult(`{"status":"ok"}`)
	if !c.Result().Failed {
		t.Fatal("failure flag must stay latched")
	}
}

func TestClassifierResultBeforeCallIgnored(t *testing.T) {
	c := NewToolCallClassifier(false)
	c.FeedToolResult(`{"status":"error"}`)
	if c.Result().Failed {
		t.Fatal("results before a classified call are ignored")
	}
}

func TestClassifierFinalizeSeals(t *testing.T) {
	c := NewToolCallClassifier(false)
	c.FeedToolCall(`{"name":"weather","arguments":{}}`)
	c.Finalize()
	c.FeedToolResult(`{"status":"error"}`)
	if c.Result().Failed {
		t.Fatal("results after Finalize must be ignored")
	}
}
