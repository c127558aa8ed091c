package vocab

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"holderbot/internal/domain"
)

func TestLoadFileMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
vocabularies:
  owner: [mesto, súkromný, štát, cirkev, iný]
rules:
  vlastník:
    - synonyms: [church, parish]
      target: cirkev
      base_confidence: 0.85
      notes: church land
bands:
  - {low: 0.5, high: 1.0, label: confident}
  - {low: 0.0, high: 0.5, label: unsure}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := m.Map(domain.AttrOwner, "Parish"); got.Label != "cirkev" || got.Confidence != 0.85 {
		t.Fatalf("expected file rule to apply, got %+v", got)
	}
	// Owner rules were replaced, so the default city rule is gone.
	if got := m.Map(domain.AttrOwner, "municipal"); got.Mapped() {
		t.Fatalf("expected default owner rules to be replaced, got %+v", got)
	}
	// Material was not in the file and keeps the defaults.
	if got := m.Map(domain.AttrMaterial, "aluminium"); got.Label != "kov" {
		t.Fatalf("expected default material rules, got %+v", got)
	}
	if bands := m.Bands(); len(bands) != 2 || bands[0].Label != "confident" {
		t.Fatalf("unexpected bands: %+v", bands)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	m, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Vocabulary(domain.AttrType)) != 6 {
		t.Fatalf("expected default type vocabulary, got %v", m.Vocabulary(domain.AttrType))
	}
}

func TestLoadFileRejectsUnknownTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
rules:
  material:
    - synonyms: [glass]
      target: sklo
      base_confidence: 0.9
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a target outside the vocabulary")
	}
}

func TestAppendSynonym(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	learned, err := AppendSynonym(path, domain.AttrMaterial, "corten", "KOV", 0.75)
	if err != nil {
		t.Fatalf("AppendSynonym failed: %v", err)
	}
	if got := learned.Map(domain.AttrMaterial, "corten"); got.Label != "kov" {
		t.Fatalf("returned mapper does not know the synonym: %+v", got)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := m.Map(domain.AttrMaterial, "corten")
	if got.Label != "kov" || got.Confidence != 0.75 || got.Tier != TierSynonym {
		t.Fatalf("expected learned synonym, got %+v", got)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules: %v", err)
	}
	if _, err := AppendSynonym(path, domain.AttrMaterial, "Corten", "kov", 0.75); err != nil {
		t.Fatalf("AppendSynonym repeat failed: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("expected repeat append to leave the file untouched")
	}

	if _, err := AppendSynonym(path, domain.AttrMaterial, "glass", "sklo", 0.9); err == nil {
		t.Fatal("expected an error for a target outside the vocabulary")
	}
}

func TestAppendSynonymMovesConflictingSynonym(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	m, err := AppendSynonym(path, domain.AttrMaterial, "Steel", "betón", 0.85)
	if err != nil {
		t.Fatalf("AppendSynonym failed: %v", err)
	}
	if got := m.Map(domain.AttrMaterial, "steel"); got.Label != "betón" || got.Tier != TierSynonym {
		t.Fatalf("expected steel to be relearned, got %+v", got)
	}
	// The other synonyms of the old rule still apply.
	if got := m.Map(domain.AttrMaterial, "iron"); got.Label != "kov" || got.Confidence != 0.9 {
		t.Fatalf("expected iron to stay on kov, got %+v", got)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := reloaded.Map(domain.AttrMaterial, "steel"); got.Label != "betón" {
		t.Fatalf("saved rules still map steel to %+v", got)
	}

	// A one-synonym rule disappears once its synonym moves away.
	if _, err := AppendSynonym(path, domain.AttrOwner, "town", "štát", 0.85); err != nil {
		t.Fatalf("AppendSynonym failed: %v", err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	for _, rule := range f.Rules["owner"] {
		if rule.Notes == "town -> mesto" {
			t.Fatalf("expected the emptied town rule to be dropped, got %+v", rule)
		}
	}
}

func TestAppendSynonymRejectsOtherFormValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")

	if _, err := AppendSynonym(path, domain.AttrMaterial, "Drevo", "kov", 0.85); err == nil {
		t.Fatal("expected an error when raw is another form value")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no rules file after a rejected append, stat err=%v", err)
	}

	// Teaching a form value its own label is a no-op that still writes the file.
	m, err := AppendSynonym(path, domain.AttrMaterial, "drevo", "drevo", 0.85)
	if err != nil {
		t.Fatalf("AppendSynonym failed: %v", err)
	}
	if got := m.Map(domain.AttrMaterial, "drevo"); got.Tier != TierCanonical {
		t.Fatalf("unexpected mapping: %+v", got)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected a loadable rules file: %v", err)
	}
}

func TestAppendSynonymConcurrentWritesKeepEveryRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	raws := []string{"corten", "zinc", "tin", "copper", "bronze", "titanium", "chrome", "nickel"}

	var wg sync.WaitGroup
	errs := make(chan error, len(raws))
	for _, raw := range raws {
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			if _, err := AppendSynonym(path, domain.AttrMaterial, raw, "kov", 0.8); err != nil {
				errs <- err
			}
		}(raw)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AppendSynonym failed: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, raw := range raws {
		if got := m.Map(domain.AttrMaterial, raw); got.Label != "kov" || got.Tier != TierSynonym {
			t.Fatalf("lost learned synonym %q: %+v", raw, got)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the rules file to remain, got %d entries", len(entries))
	}
}
