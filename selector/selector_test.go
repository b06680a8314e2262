package selector

import (
	"encoding/json"
	"testing"
)

func TestEval(t *testing.T) {
	cases := []struct {
		expr   string
		result string
		want   string
	}{
		{"result", `{"a":1}`, `{"a":1}`},
		{"result + 1", `5`, `6`},
		{"result.taskId", `{"taskId":"0x1"}`, `"0x1"`},
		{"result.items[1]", `{"items":["a","b"]}`, `"b"`},
		{"length(result.items)", `{"items":["a","b"]}`, `2`},
		{`format("%s-%d", result.name, result.n)`, `{"name":"x","n":3}`, `"x-3"`},
		{"result == null", `null`, `true`},
	}

	for _, c := range cases {
		sel, err := Compile(c.expr)
		if err != nil {
			t.Fatalf("%s: %v", c.expr, err)
		}
		got, err := sel.Eval(Vars{Result: json.RawMessage(c.result)})
		if err != nil {
			t.Fatalf("%s: %v", c.expr, err)
		}
		if string(got) != c.want {
			t.Fatalf("%s: got %s, want %s", c.expr, got, c.want)
		}
	}
}

func TestCompileRejects(t *testing.T) {
	for _, expr := range []string{
		"result +",
		"env.HOME",
		"file(\"/etc/passwd\")",
	} {
		if _, err := Compile(expr); err == nil {
			t.Fatalf("%q compiled", expr)
		}
	}
}

func TestCacheReuses(t *testing.T) {
	cache := &Cache{}
	a, err := cache.Compile("result")
	if err != nil {
		t.Fatal(err)
	}
	b, err := cache.Compile("result")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("selector compiled twice")
	}
}

func TestPath(t *testing.T) {
	f := Path("a", "b")
	got, err := f(Vars{Result: json.RawMessage(`{"a":{"b":[1]}}`)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `[1]` {
		t.Fatalf("got %s", got)
	}
	if _, err := f(Vars{Result: json.RawMessage(`{"a":{}}`)}); err == nil {
		t.Fatal("missing key resolved")
	}
}
