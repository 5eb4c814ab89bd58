// Package knowledge implements the persistent RAG knowledge bank:
// deliberations, text chunks, and their embedding vectors over an
// embedded KV store (syndtr/goleveldb, prefixed keys, snappy-compressed
// JSON row values), with VictoriaMetrics/fastcache fronting the
// embedding table to avoid a disk read on every repeated search.
package knowledge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/councilnet/core/internal/gate"
	"github.com/councilnet/core/internal/reputation"
)

// ChunkType classifies a semantic unit stored for RAG.
type ChunkType string

const (
	ChunkQuestion ChunkType = "Question"
	ChunkResponse ChunkType = "Response"
	ChunkConsensus ChunkType = "Consensus"
)

// Embedder is the Model Backend capability this bank
// depends on to turn text into vectors.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// ResponseRecord is one member's response within one round, the unit
// stored in the `responses` table.
type ResponseRecord struct {
	MemberName string `json:"member_name"`
	Model      string `json:"model"`
	Response   string `json:"response"`
	Timestamp  int64  `json:"timestamp"`
}

// RoundRecord is one deliberation round, the unit stored in `rounds`.
type RoundRecord struct {
	RoundNumber int              `json:"round_number"`
	Responses   []ResponseRecord `json:"responses"`
}

// DeliberationRecord is the full persisted shape of one council
// deliberation (`deliberations` + its owned rounds/responses).
type DeliberationRecord struct {
	SessionID   string        `json:"session_id"`
	Question    string        `json:"question"`
	Consensus   string        `json:"consensus"`
	HasConsensus bool         `json:"has_consensus"`
	Rounds      []RoundRecord `json:"rounds"`
	CreatedAt   int64         `json:"created_at"`
	Completed   bool          `json:"completed"`
}

// VerdictRecord is a projection of a finished session: enough to
// render its verdict without re-deriving it from raw rounds.
type VerdictRecord struct {
	SessionID      string
	Question       string
	VerdictText    string
	ResponseCount  int
	Participants   []string
	CreatedAt      int64
}

// SearchResult is one semantic-search hit.
type SearchResult struct {
	DeliberationID string
	Question       string
	RelevanceScore float32
	TextSnippet    string
}

// Key prefixes for the goleveldb-backed schema. Each logical table
// maps to one prefix; row values are snappy-compressed JSON except
// embedding blobs, which are the raw little-endian float32
// concatenation.
const (
	prefixDeliberation  = "deliberation:"
	prefixChunk         = "chunk:"
	prefixEmbedding     = "embedding:"
	prefixReputation    = "reputation:"
	prefixChatLog       = "chatlog:"
	prefixChatEmbedding = "chatembedding:"
	prefixTopic         = "topic:"
)

type chunkRow struct {
	ID             string    `json:"id"`
	DeliberationID string    `json:"deliberation_id"`
	Text           string    `json:"text"`
	ChunkType      ChunkType `json:"chunk_type"`
}

type chatLogRow struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	Author     string `json:"author"`
	AuthorType string `json:"author_type"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
	ReplyTo    string `json:"reply_to"`
}

type topicRow struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	CreatedAt int64  `json:"created_at"`
	CreatedBy string `json:"created_by"`
}

// Bank is the knowledge bank: persistent store plus embedding cache.
type Bank struct {
	mu       sync.Mutex
	db       *leveldb.DB
	embedCache *fastcache.Cache
	embedder Embedder
	now      func() int64
	nextTopicID int64
}

// Open opens (or creates) a goleveldb database at dir and wires an
// in-memory fastcache of embedCacheBytes for the embedding table.
func Open(dir string, embedCacheBytes int, embedder Embedder, clock func() int64) (*Bank, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %s: %w", dir, err)
	}
	return &Bank{
		db:         db,
		embedCache: fastcache.New(embedCacheBytes),
		embedder:   embedder,
		now:        clock,
	}, nil
}

// Close releases the underlying database handle.
func (b *Bank) Close() error {
	return b.db.Close()
}

// Row values are snappy-compressed JSON. Deliberation transcripts are
// text-heavy and compress well; embedding blobs are stored raw.
func putJSON(db *leveldb.DB, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Put([]byte(key), snappy.Encode(nil, data), nil)
}

func decodeRow(raw []byte, v interface{}) error {
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func getJSON(db *leveldb.DB, key string, v interface{}) (bool, error) {
	data, err := db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, decodeRow(data, v)
}

// serializeEmbedding encodes a float32 vector as little-endian IEEE-754
// blob
func serializeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeEmbedding reverses serializeEmbedding exactly.
func deserializeEmbedding(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "..."
}

// StoreDeliberation persists a completed deliberation and generates one
// embedded chunk per semantic unit (question, each response, optional
// consensus).
func (b *Bank) StoreDeliberation(rec DeliberationRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := putJSON(b.db, prefixDeliberation+rec.SessionID, rec); err != nil {
		return fmt.Errorf("knowledge: store deliberation: %w", err)
	}

	type pendingChunk struct {
		id        string
		text      string
		chunkType ChunkType
	}
	chunks := []pendingChunk{{id: rec.SessionID + "-question", text: rec.Question, chunkType: ChunkQuestion}}
	for ri, round := range rec.Rounds {
		for si, resp := range round.Responses {
			chunks = append(chunks, pendingChunk{
				id:        fmt.Sprintf("%s-r%d-resp%d", rec.SessionID, ri, si),
				text:      resp.Response,
				chunkType: ChunkResponse,
			})
		}
	}
	if rec.HasConsensus {
		chunks = append(chunks, pendingChunk{id: rec.SessionID + "-consensus", text: rec.Consensus, chunkType: ChunkConsensus})
	}

	for _, c := range chunks {
		if err := b.addChunkLocked(c.id, rec.SessionID, c.text, c.chunkType); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bank) addChunkLocked(id, deliberationID, text string, chunkType ChunkType) error {
	row := chunkRow{ID: id, DeliberationID: deliberationID, Text: text, ChunkType: chunkType}
	if err := putJSON(b.db, prefixChunk+id, row); err != nil {
		return fmt.Errorf("knowledge: store chunk: %w", err)
	}

	vec, err := b.embedder.Embed(text)
	if err != nil {
		return fmt.Errorf("knowledge: embed chunk %s: %w", id, err)
	}
	blob := serializeEmbedding(vec)
	if err := b.db.Put([]byte(prefixEmbedding+id), blob, nil); err != nil {
		return fmt.Errorf("knowledge: store embedding: %w", err)
	}
	b.embedCache.Set([]byte(id), blob)
	return nil
}

// AddTextChunk manually adds (and embeds) a chunk, e.g. for consensus
// results recorded outside StoreDeliberation.
func (b *Bank) AddTextChunk(id, deliberationID, text string, chunkType ChunkType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addChunkLocked(id, deliberationID, text, chunkType)
}

func (b *Bank) embeddingFor(chunkID string) ([]float32, bool) {
	if blob, ok := b.embedCache.HasGet(nil, []byte(chunkID)); ok {
		return deserializeEmbedding(blob), true
	}
	blob, err := b.db.Get([]byte(prefixEmbedding+chunkID), nil)
	if err != nil {
		return nil, false
	}
	b.embedCache.Set([]byte(chunkID), blob)
	return deserializeEmbedding(blob), true
}

// SemanticSearch computes the query embedding and scans every stored
// chunk embedding (naive MVP scan), returning the top k
// hits sorted by descending cosine similarity. Ties keep the store's
// iteration order, which is lexicographic by chunk id, not the order in
// which chunks were added.
func (b *Bank) SemanticSearch(query string, k int) ([]SearchResult, error) {
	queryVec, err := b.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var results []SearchResult
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixChunk)), nil)
	defer iter.Release()

	for iter.Next() {
		var chunk chunkRow
		if err := decodeRow(iter.Value(), &chunk); err != nil {
			continue
		}
		vec, ok := b.embeddingFor(chunk.ID)
		if !ok {
			continue
		}
		var delib DeliberationRecord
		found, err := getJSON(b.db, prefixDeliberation+chunk.DeliberationID, &delib)
		if err != nil || !found {
			continue
		}
		sim := cosineSimilarity(queryVec, vec)
		results = append(results, SearchResult{
			DeliberationID: chunk.DeliberationID,
			Question:       delib.Question,
			RelevanceScore: sim,
			TextSnippet:    truncate(chunk.Text, 200),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("knowledge: scan chunks: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// BuildRAGContext formats the top-k hits into the context string fed
// into downstream prompts.
func (b *Bank) BuildRAGContext(query string, k int) (string, []SearchResult, error) {
	results, err := b.SemanticSearch(query, k)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("- Question: %s\n  Snippet: %s\n", r.Question, r.TextSnippet))
	}
	return sb.String(), results, nil
}

// SearchTopQuestion implements internal/gate's Searcher interface: the
// duplicate filter's k=1 lookup, with a verdict derived from the stored
// consensus, else the last round's first response.
func (b *Bank) SearchTopQuestion(query string) (gate.SearchHit, bool, error) {
	results, err := b.SemanticSearch(query, 1)
	if err != nil {
		return gate.SearchHit{}, false, err
	}
	if len(results) == 0 {
		return gate.SearchHit{}, false, nil
	}
	top := results[0]

	b.mu.Lock()
	var delib DeliberationRecord
	ok, gerr := getJSON(b.db, prefixDeliberation+top.DeliberationID, &delib)
	b.mu.Unlock()
	if gerr != nil {
		return gate.SearchHit{}, false, fmt.Errorf("knowledge: load deliberation: %w", gerr)
	}
	if !ok {
		return gate.SearchHit{}, false, nil
	}

	v := "No verdict available"
	if delib.HasConsensus {
		v = delib.Consensus
	} else if len(delib.Rounds) > 0 {
		last := delib.Rounds[len(delib.Rounds)-1]
		if len(last.Responses) > 0 {
			v = last.Responses[0].Response
		}
	}

	return gate.SearchHit{
		DeliberationID: top.DeliberationID,
		Question:       delib.Question,
		Verdict:        v,
		RelevanceScore: float64(top.RelevanceScore),
		AskedAt:        delib.CreatedAt,
	}, true, nil
}

// GetDeliberation retrieves a previously stored deliberation by id.
func (b *Bank) GetDeliberation(id string) (DeliberationRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var rec DeliberationRecord
	found, err := getJSON(b.db, prefixDeliberation+id, &rec)
	return rec, found, err
}

// Verdict projects a stored deliberation into the VerdictRecord shape
// for CLI rendering.
func (b *Bank) Verdict(id string) (VerdictRecord, bool, error) {
	rec, found, err := b.GetDeliberation(id)
	if err != nil || !found {
		return VerdictRecord{}, found, err
	}

	text := "No verdict available"
	if rec.HasConsensus {
		text = rec.Consensus
	} else if len(rec.Rounds) > 0 {
		last := rec.Rounds[len(rec.Rounds)-1]
		if len(last.Responses) > 0 {
			text = last.Responses[0].Response
		}
	}

	seen := map[string]bool{}
	var participants []string
	count := 0
	for _, round := range rec.Rounds {
		for _, resp := range round.Responses {
			count++
			if !seen[resp.MemberName] {
				seen[resp.MemberName] = true
				participants = append(participants, resp.MemberName)
			}
		}
	}

	return VerdictRecord{
		SessionID:     rec.SessionID,
		Question:      rec.Question,
		VerdictText:   text,
		ResponseCount: count,
		Participants:  participants,
		CreatedAt:     rec.CreatedAt,
	}, true, nil
}

// ListAll returns every stored deliberation record, newest CreatedAt first.
func (b *Bank) ListAll() ([]DeliberationRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []DeliberationRecord
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixDeliberation)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec DeliberationRecord
		if err := decodeRow(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, iter.Error()
}

// SaveReputation satisfies internal/reputation's Store interface.
func (b *Bank) SaveReputation(rec reputation.AgentReputation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := putJSON(b.db, prefixReputation+rec.AgentID, rec); err != nil {
		return fmt.Errorf("knowledge: save reputation: %w", err)
	}
	return nil
}

// LoadAllReputations satisfies internal/reputation's Store interface.
func (b *Bank) LoadAllReputations() ([]reputation.AgentReputation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []reputation.AgentReputation
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixReputation)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec reputation.AgentReputation
		if err := decodeRow(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// AddTopic records a new topic in the history table.
func (b *Bank) AddTopic(topic, createdBy string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTopicID++
	row := topicRow{ID: b.nextTopicID, Topic: topic, CreatedAt: b.now(), CreatedBy: createdBy}
	key := prefixTopic + fmt.Sprintf("%020d", row.ID)
	if err := putJSON(b.db, key, row); err != nil {
		return fmt.Errorf("knowledge: add topic: %w", err)
	}
	return nil
}

// RecentTopics returns up to limit topics, most recent first.
func (b *Bank) RecentTopics(limit int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rows []topicRow
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixTopic)), nil)
	defer iter.Release()
	for iter.Next() {
		var row topicRow
		if err := decodeRow(iter.Value(), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt > rows[j].CreatedAt
		}
		return rows[i].ID > rows[j].ID
	})
	if limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Topic
	}
	return out, nil
}

// SaveChatMessage persists a chat log row and, for non-system messages,
// its embedding for per-channel RAG.
func (b *Bank) SaveChatMessage(id, channel, author, authorType, content string, timestamp int64, signature, replyTo string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := chatLogRow{
		ID: id, Channel: channel, Author: author, AuthorType: authorType,
		Content: content, Timestamp: timestamp, Signature: signature, ReplyTo: replyTo,
	}
	if err := putJSON(b.db, prefixChatLog+channel+":"+id, row); err != nil {
		return fmt.Errorf("knowledge: save chat message: %w", err)
	}

	if authorType == "System" {
		return nil
	}
	vec, err := b.embedder.Embed(content)
	if err != nil {
		return nil // embedding is best-effort; the log row already landed
	}
	blob := serializeEmbedding(vec)
	if err := b.db.Put([]byte(prefixChatEmbedding+id), blob, nil); err != nil {
		return fmt.Errorf("knowledge: save chat embedding: %w", err)
	}
	return nil
}

// ChatHistory returns up to limit messages for a channel, oldest first.
func (b *Bank) ChatHistory(channel string, limit int) ([]chatLogRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rows []chatLogRow
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixChatLog+channel+":")), nil)
	defer iter.Release()
	for iter.Next() {
		var row chatLogRow
		if err := decodeRow(iter.Value(), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp > rows[j].Timestamp })
	if limit < len(rows) {
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// SearchChannelContext restricts semantic search to one channel's chat
// embeddings.
func (b *Bank) SearchChannelContext(channel, query string, k int) ([]string, error) {
	queryVec, err := b.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	type scored struct {
		content string
		score   float32
	}
	var results []scored
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixChatLog+channel+":")), nil)
	defer iter.Release()
	for iter.Next() {
		var row chatLogRow
		if err := decodeRow(iter.Value(), &row); err != nil {
			continue
		}
		blob, err := b.db.Get([]byte(prefixChatEmbedding+row.ID), nil)
		if err != nil {
			continue
		}
		sim := cosineSimilarity(queryVec, deserializeEmbedding(blob))
		results = append(results, scored{content: row.Content, score: sim})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if k < len(results) {
		results = results[:k]
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.content
	}
	return out, nil
}

// ClearChannelContext deletes every chat embedding for a channel, but
// retains the log rows.
func (b *Bank) ClearChannelContext(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefixChatLog+channel+":")), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		var row chatLogRow
		if err := decodeRow(iter.Value(), &row); err != nil {
			continue
		}
		batch.Delete([]byte(prefixChatEmbedding + row.ID))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return b.db.Write(batch, nil)
}
