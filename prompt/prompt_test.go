package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"portfoliochat/knowledge"
)

func TestBuild_IncludesPersonaAndKnowledge(t *testing.T) {
	b := knowledge.Default()
	got := Build(DefaultPolicy(), b)

	for _, want := range []string{
		"You are Ayush, a Software Engineer",
		"Never invent links",
		"answer only the first",
		"Known projects: CodeRank, Appknox Plugin",
		"https://github.com/ashujha301/CodeRank",
		"Basketball",
		"Saranyu Technologies",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuild_DataSectionIsValidJSON(t *testing.T) {
	b := knowledge.Default()
	got := Build(DefaultPolicy(), b)

	start := strings.Index(got, dataStart)
	end := strings.Index(got, dataEnd)
	if start < 0 || end < start {
		t.Fatal("data markers not found")
	}
	raw := got[start+len(dataStart) : end]

	var decoded knowledge.Bundle
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("data section is not JSON: %v", err)
	}
	if len(decoded.Projects) != len(b.Projects) {
		t.Errorf("decoded %d projects, want %d", len(decoded.Projects), len(b.Projects))
	}
}

func TestBuild_IsDeterministic(t *testing.T) {
	b := knowledge.Default()
	p := Policy{Name: "Sam", Role: "Designer"}
	if Build(p, b) != Build(p, b) {
		t.Error("Build should be a pure function of its inputs")
	}
	if !strings.Contains(Build(p, b), "You are Sam, a Designer") {
		t.Error("custom persona not applied")
	}
}

func TestBuild_EmptyInputs(t *testing.T) {
	got := Build(Policy{}, nil)
	if !strings.Contains(got, "You are Ayush") {
		t.Error("empty policy should fall back to the default persona")
	}
	if strings.Contains(got, "Known projects") {
		t.Error("empty bundle should not list projects")
	}
}
