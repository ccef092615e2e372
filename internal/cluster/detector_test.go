package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/embed"
	"horse.fit/chronicle/internal/signature"
)

type fakeStore struct {
	conflicts []*db.Conflict
	nextID    int64
	// raceWinner, when set, makes the next create lose and return this row.
	raceWinner *db.Conflict
}

func (s *fakeStore) FindConflictBySignature(_ context.Context, sig string) (*db.Conflict, bool, error) {
	for _, conflict := range s.conflicts {
		if conflict.EntitySignature == sig {
			return conflict, true, nil
		}
	}
	return nil, false, nil
}

func (s *fakeStore) ListConflictsWithCentroid(context.Context) ([]db.Conflict, error) {
	out := make([]db.Conflict, 0, len(s.conflicts))
	for _, conflict := range s.conflicts {
		if len(conflict.Embedding) > 0 {
			out = append(out, *conflict)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateConflict(_ context.Context, conflict *db.Conflict) (*db.Conflict, bool, error) {
	if s.raceWinner != nil {
		winner := s.raceWinner
		s.raceWinner = nil
		return winner, false, nil
	}
	s.nextID++
	conflict.ConflictID = s.nextID
	s.conflicts = append(s.conflicts, conflict)
	return conflict, true, nil
}

func (s *fakeStore) UpdateConflictCentroid(_ context.Context, conflictID int64, centroid []float64) error {
	for _, conflict := range s.conflicts {
		if conflict.ConflictID == conflictID {
			encoded, err := db.EncodeVector(centroid)
			if err != nil {
				return err
			}
			conflict.Embedding = encoded
			return nil
		}
	}
	return fmt.Errorf("conflict_id=%d not found", conflictID)
}

type fakeEmbedder struct {
	vector []float64
	err    error
	calls  int
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = e.vector
	}
	return vectors, nil
}

func (e *fakeEmbedder) Ready(context.Context) error { return e.err }

func (e *fakeEmbedder) Dimensions() int { return len(e.vector) }

type fixedRecognizer struct {
	result signature.Result
	err    error
}

func (r fixedRecognizer) Recognize(context.Context, string) (signature.Result, error) {
	return r.result, r.err
}

func (r fixedRecognizer) Ready(context.Context) error { return r.err }

func newTestDetector(store ConflictStore, embedder embed.Provider, ner signature.Recognizer) *Detector {
	builder := signature.NewBuilder(ner, zerolog.Nop())
	return NewDetector(store, embedder, builder, zerolog.Nop())
}

func mustConflict(t *testing.T, store *fakeStore, sig string, centroid []float64) *db.Conflict {
	t.Helper()
	conflict := &db.Conflict{EntitySignature: sig}
	if centroid != nil {
		encoded, err := db.EncodeVector(centroid)
		if err != nil {
			t.Fatalf("encode centroid: %v", err)
		}
		conflict.Embedding = encoded
	}
	store.nextID++
	conflict.ConflictID = store.nextID
	store.conflicts = append(store.conflicts, conflict)
	return conflict
}

func TestDetectOrCreateSignatureMatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	existing := mustConflict(t, store, "sudan;;un;", nil)
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Sudan"}, Orgs: []string{"UN"}}}

	detector := newTestDetector(store, embedder, ner)
	got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 1, Title: "Clashes in Sudan", BodyText: "UN convoy attacked."})
	if err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if got.Created {
		t.Fatalf("expected match, got created")
	}
	if got.Conflict.ConflictID != existing.ConflictID {
		t.Fatalf("matched conflict_id=%d, want %d", got.Conflict.ConflictID, existing.ConflictID)
	}
	if got.Similarity != 1.0 {
		t.Fatalf("signature match similarity = %v, want 1.0", got.Similarity)
	}
	if embedder.calls != 0 {
		t.Fatalf("signature match must not call the embedder, got %d calls", embedder.calls)
	}
	if got.Vector != nil {
		t.Fatalf("signature match must not carry a vector")
	}
}

func TestDetectOrCreateEmptySignaturesCollapse(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	// Articles with no recognized entities all carry the all-empty
	// signature and therefore exact-match the same conflict.
	existing := mustConflict(t, store, signature.Empty, []float64{0, 1})
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := fixedRecognizer{}

	detector := newTestDetector(store, embedder, ner)
	got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 2, Title: "Untagged story"})
	if err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if embedder.calls != 0 {
		t.Fatalf("exact match must not call the embedder, got %d calls", embedder.calls)
	}
	if got.Created {
		t.Fatalf("empty signature should have matched the existing conflict")
	}
	if got.Conflict.ConflictID != existing.ConflictID {
		t.Fatalf("matched conflict_id=%d, want %d", got.Conflict.ConflictID, existing.ConflictID)
	}
	if got.Similarity != 1.0 {
		t.Fatalf("signature match similarity = %v, want 1.0", got.Similarity)
	}
}

func TestDetectOrCreateCentroidMatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	far := mustConflict(t, store, "a;;;", []float64{0, 1})
	near := mustConflict(t, store, "b;;;", []float64{1, 0.1})
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Chad"}}}

	detector := newTestDetector(store, embedder, ner)
	got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 3, Title: "Border fighting"})
	if err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if got.Created {
		t.Fatalf("expected centroid match, got created")
	}
	if got.Conflict.ConflictID != near.ConflictID {
		t.Fatalf("matched conflict_id=%d, want %d (not %d)", got.Conflict.ConflictID, near.ConflictID, far.ConflictID)
	}
	if got.Similarity < SimilarityThreshold {
		t.Fatalf("similarity %v below threshold", got.Similarity)
	}
	if got.Vector == nil {
		t.Fatalf("centroid match must carry the article vector")
	}
}

func TestDetectOrCreateTieBreaksToEarliest(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	first := mustConflict(t, store, "a;;;", []float64{1, 0})
	mustConflict(t, store, "b;;;", []float64{1, 0})
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Chad"}}}

	detector := newTestDetector(store, embedder, ner)
	got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 4, Title: "Tie"})
	if err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if got.Conflict.ConflictID != first.ConflictID {
		t.Fatalf("tie resolved to conflict_id=%d, want earliest %d", got.Conflict.ConflictID, first.ConflictID)
	}
}

func TestDetectOrCreateBelowThresholdCreates(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	mustConflict(t, store, "a;;;", []float64{0, 1})
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Chad"}}}

	longTitle := strings.Repeat("t", 300)
	longBody := strings.Repeat("b", 900)
	detector := newTestDetector(store, embedder, ner)
	got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 5, Title: longTitle, BodyText: longBody})
	if err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if !got.Created {
		t.Fatalf("expected a new conflict")
	}
	if got.Similarity != 0 {
		t.Fatalf("new conflict similarity = %v, want 0", got.Similarity)
	}
	if len([]rune(got.Conflict.Name)) != 200 {
		t.Fatalf("conflict name not clipped to 200 runes, got %d", len([]rune(got.Conflict.Name)))
	}
	if len([]rune(got.Conflict.Description)) != 500 {
		t.Fatalf("conflict description not clipped to 500 runes, got %d", len([]rune(got.Conflict.Description)))
	}
	if got.Conflict.Confidence != newConflictConfidence {
		t.Fatalf("new conflict confidence = %v, want %v", got.Conflict.Confidence, newConflictConfidence)
	}
	centroid, err := got.Conflict.Centroid()
	if err != nil {
		t.Fatalf("centroid: %v", err)
	}
	if len(centroid) != 2 || centroid[0] != 1 {
		t.Fatalf("new conflict must seed its centroid with the article vector, got %v", centroid)
	}
}

func TestDetectOrCreateEmbedderDown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	embedder := &fakeEmbedder{err: fmt.Errorf("backend down: %w", embed.ErrUnavailable)}
	ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Chad"}}}

	detector := newTestDetector(store, embedder, ner)
	_, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 6, Title: "No backend"})
	if !errors.Is(err, embed.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(store.conflicts) != 0 {
		t.Fatalf("no conflict may be created while the embedder is down")
	}
}

func TestDetectOrCreateCreateRace(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	// The winner was committed by a concurrent pass between our signature
	// lookup and our insert, so it is only visible through the create race.
	winner := &db.Conflict{ConflictID: 99, EntitySignature: "chad;;;"}
	store.raceWinner = winner
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Chad"}}}

	detector := newTestDetector(store, embedder, ner)
	got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 7, Title: "Race"})
	if err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if got.Created {
		t.Fatalf("race loser must report the winner as a match")
	}
	if got.Conflict.ConflictID != winner.ConflictID {
		t.Fatalf("race resolved to conflict_id=%d, want %d", got.Conflict.ConflictID, winner.ConflictID)
	}
	if got.Similarity != 1.0 {
		t.Fatalf("race match similarity = %v, want 1.0", got.Similarity)
	}
}

func TestUpdateCentroidFirstBatchUsesLastVector(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	conflict := mustConflict(t, store, "a;;;", nil)
	detector := newTestDetector(store, &fakeEmbedder{}, fixedRecognizer{})

	err := detector.UpdateCentroid(context.Background(), conflict, [][]float64{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("UpdateCentroid: %v", err)
	}
	centroid, err := conflict.Centroid()
	if err != nil {
		t.Fatalf("centroid: %v", err)
	}
	if centroid[0] != 0 || centroid[1] != 1 {
		t.Fatalf("first centroid must be the last batch vector, got %v", centroid)
	}
}

func TestUpdateCentroidMeansPriorAndBatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	conflict := mustConflict(t, store, "a;;;", []float64{1, 0})
	detector := newTestDetector(store, &fakeEmbedder{}, fixedRecognizer{})

	err := detector.UpdateCentroid(context.Background(), conflict, [][]float64{{0, 1}, {0, 1}})
	if err != nil {
		t.Fatalf("UpdateCentroid: %v", err)
	}
	centroid, err := conflict.Centroid()
	if err != nil {
		t.Fatalf("centroid: %v", err)
	}
	// Mean of prior [1,0] and two copies of [0,1].
	want := []float64{1.0 / 3.0, 2.0 / 3.0}
	for i := range want {
		if math.Abs(centroid[i]-want[i]) > 1e-9 {
			t.Fatalf("centroid = %v, want %v", centroid, want)
		}
	}
}

func TestUpdateCentroidEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	conflict := mustConflict(t, store, "a;;;", []float64{1, 0})
	detector := newTestDetector(store, &fakeEmbedder{}, fixedRecognizer{})

	if err := detector.UpdateCentroid(context.Background(), conflict, nil); err != nil {
		t.Fatalf("UpdateCentroid: %v", err)
	}
	centroid, err := conflict.Centroid()
	if err != nil {
		t.Fatalf("centroid: %v", err)
	}
	if centroid[0] != 1 || centroid[1] != 0 {
		t.Fatalf("empty batch must not move the centroid, got %v", centroid)
	}
}

func TestUpdateCentroidDimensionMismatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	conflict := mustConflict(t, store, "a;;;", []float64{1, 0})
	detector := newTestDetector(store, &fakeEmbedder{}, fixedRecognizer{})

	if err := detector.UpdateCentroid(context.Background(), conflict, [][]float64{{1, 2, 3}}); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestEmbedInput(t *testing.T) {
	t.Parallel()

	longBody := strings.Repeat("x", 1500)
	got := EmbedInput("Title", longBody)
	if !strings.HasPrefix(got, "Title\n\n") {
		t.Fatalf("embed input missing title prefix: %q", got[:20])
	}
	if len(got) != len("Title\n\n")+embedBodyRunes {
		t.Fatalf("embed input length = %d, want %d", len(got), len("Title\n\n")+embedBodyRunes)
	}

	if got := EmbedInput("Only title", ""); got != "Only title" {
		t.Fatalf("title-only input = %q", got)
	}
	if got := EmbedInput("", "Only body"); got != "Only body" {
		t.Fatalf("body-only input = %q", got)
	}
}

func TestDetectOrCreateThresholdBoundary(t *testing.T) {
	t.Parallel()

	vector := []float64{1, 0}

	cases := []struct {
		name      string
		centroid  []float64
		wantMatch bool
	}{
		{
			name:      "measured similarity above threshold matches",
			centroid:  []float64{0.6000001, 0.8},
			wantMatch: true,
		},
		{
			name:      "measured similarity just below threshold creates",
			centroid:  []float64{0.5999999, 0.8},
			wantMatch: false,
		},
		{
			// The epsilon in the cosine denominator shaves a geometric 0.60
			// to just under the threshold, so this side creates.
			name:      "geometric 0.60 measures below threshold",
			centroid:  []float64{0.6, 0.8},
			wantMatch: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			similarity := embed.Cosine(vector, tc.centroid)
			if (similarity >= SimilarityThreshold) != tc.wantMatch {
				t.Fatalf("bad construction: similarity = %v, wantMatch = %v", similarity, tc.wantMatch)
			}

			store := &fakeStore{}
			existing := mustConflict(t, store, "sudan;;;", tc.centroid)
			embedder := &fakeEmbedder{vector: vector}
			ner := fixedRecognizer{result: signature.Result{GPEs: []string{"Chad"}}}

			detector := newTestDetector(store, embedder, ner)
			got, err := detector.DetectOrCreate(context.Background(), &db.Article{ArticleID: 9, Title: "Border fighting"})
			if err != nil {
				t.Fatalf("DetectOrCreate: %v", err)
			}

			if tc.wantMatch {
				if got.Created {
					t.Fatalf("similarity %v should match, created a conflict instead", similarity)
				}
				if got.Conflict.ConflictID != existing.ConflictID {
					t.Fatalf("matched conflict_id=%d, want %d", got.Conflict.ConflictID, existing.ConflictID)
				}
				if got.Similarity != similarity {
					t.Fatalf("reported similarity = %v, want %v", got.Similarity, similarity)
				}
				return
			}
			if !got.Created {
				t.Fatalf("similarity %v should create, matched conflict_id=%d", similarity, got.Conflict.ConflictID)
			}
		})
	}
}

type captureRecognizer struct {
	scanned string
}

func (r *captureRecognizer) Recognize(_ context.Context, text string) (signature.Result, error) {
	r.scanned = text
	return signature.Result{GPEs: []string{"Chad"}}, nil
}

func (r *captureRecognizer) Ready(context.Context) error { return nil }

func TestDetectOrCreateSignatureScansBodyOnly(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	embedder := &fakeEmbedder{vector: []float64{1, 0}}
	ner := &captureRecognizer{}

	detector := newTestDetector(store, embedder, ner)
	article := &db.Article{ArticleID: 9, Title: "Exclusive: Chad border clashes", BodyText: "Fighting broke out near the border town."}
	if _, err := detector.DetectOrCreate(context.Background(), article); err != nil {
		t.Fatalf("DetectOrCreate: %v", err)
	}
	if ner.scanned != article.BodyText {
		t.Fatalf("recognizer scanned %q, want the article body only", ner.scanned)
	}
}
