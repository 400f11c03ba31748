package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/recall/core/config"
	"github.com/adalundhe/recall/core/memory"
)

const testDimension = 8

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store, err := memory.OpenStore(memory.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index, err := memory.OpenIndex(memory.IndexConfig{Dimension: testDimension})
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	embedder := memory.NewMockEmbedder(testDimension)
	filter := memory.NewMetaFilter(config.DefaultMetaPatterns())
	counters := &memory.Counters{}

	recorder := memory.NewRecorder(memory.RecorderConfig{
		Store:    store,
		Index:    index,
		Embedder: embedder,
		Counters: counters,
	})
	recorder.SetMetaFilter(filter)
	t.Cleanup(recorder.Close)

	retriever := memory.NewRetriever(memory.RetrieverConfig{
		Store:      store,
		Index:      index,
		Embedder:   embedder,
		Classifier: memory.NewClassifier(config.DefaultIntentTriggers(), 0),
		Counters:   counters,
	})
	retriever.SetMetaFilter(filter)

	srv := New(Config{
		Store:     store,
		Index:     index,
		Recorder:  recorder,
		Retriever: retriever,
		Counters:  counters,
	})
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, target, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, r)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), "response is always JSON")
	return w.Code, decoded
}

func metadataOf(t *testing.T, response map[string]any) map[string]any {
	t.Helper()
	meta, ok := response["metadata"].(map[string]any)
	require.True(t, ok, "every wrapped response carries a metadata object")
	return meta
}

func TestHealthEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	status, response := doRequest(t, srv, "GET", "/salud", "", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", response["status"])

	meta := metadataOf(t, response)
	assert.Equal(t, true, meta["wrapper_aplicado"])
	assert.Equal(t, true, meta["memoria_disponible"])
	assert.NotEmpty(t, meta["session_id"])
	assert.NotEmpty(t, meta["timestamp"])

	total, err := store.TotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, total, "health traffic never pollutes memory")
}

func TestWrap_RecordsUserInputAndResponse(t *testing.T) {
	srv, store := newTestServer(t)

	srv.RegisterEndpoint("/eco", "eco", func(ctx context.Context, req *Request) (map[string]any, error) {
		return map[string]any{
			"respuesta": "Desplegué el servicio de facturación en producción",
			"modelo":    "gpt-4",
		}, nil
	})

	status, _ := doRequest(t, srv, "POST", "/eco",
		`{"mensaje": "despliega el servicio de facturación", "thread_id": "s-1"}`, nil)
	require.Equal(t, http.StatusOK, status)

	history, err := store.SessionHistory(context.Background(), "s-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "user input and agent response both persist")

	types := map[memory.EventType]bool{}
	for _, event := range history {
		types[event.EventType] = true
	}
	assert.True(t, types[memory.EventTypeUserInput])
	assert.True(t, types[memory.EventTypeSemanticResponse])

	for _, event := range history {
		if event.EventType == memory.EventTypeSemanticResponse {
			assert.Equal(t, "gpt-4", event.Metadata["modelo"])
		}
	}
}

func TestWrap_CountsPreviousInteractions(t *testing.T) {
	srv, _ := newTestServer(t)
	headers := map[string]string{"Thread-ID": "s-contador"}

	_, first := doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "primer mensaje de la conversación"}`, headers)
	assert.Equal(t, float64(0), metadataOf(t, first)["interacciones_previas"])

	_, second := doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "segundo mensaje distinto de la conversación"}`, headers)
	previous, ok := metadataOf(t, second)["interacciones_previas"].(float64)
	require.True(t, ok)
	assert.Greater(t, previous, float64(0))
}

func TestWrap_MalformedBodyTolerated(t *testing.T) {
	srv, _ := newTestServer(t)

	status, response := doRequest(t, srv, "POST", "/copiloto", `{definitivamente no es json`, nil)

	assert.Equal(t, http.StatusOK, status, "malformed JSON degrades to an empty payload")
	meta := metadataOf(t, response)
	assert.Equal(t, true, meta["wrapper_aplicado"])
}

func TestWrap_DegradedStoreStillAnswers(t *testing.T) {
	srv, store := newTestServer(t)
	store.Close()

	status, response := doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "consulta con el almacén caído", "thread_id": "s-1"}`, nil)

	assert.Equal(t, http.StatusOK, status, "memory loss never fails the request")
	meta := metadataOf(t, response)
	assert.Equal(t, false, meta["memoria_disponible"])
	assert.Equal(t, true, meta["wrapper_aplicado"])
}

func TestWrap_HandlerErrorKeepsMetadata(t *testing.T) {
	srv, _ := newTestServer(t)

	srv.RegisterEndpoint("/roto", "roto", func(ctx context.Context, req *Request) (map[string]any, error) {
		return nil, errors.New("fallo interno del colaborador")
	})

	status, response := doRequest(t, srv, "POST", "/roto", `{}`, nil)

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "fallo interno del colaborador", response["error"])
	metadataOf(t, response)
}

func TestWrap_PanicRecovered(t *testing.T) {
	srv, _ := newTestServer(t)

	srv.RegisterEndpoint("/panico", "panico", func(ctx context.Context, req *Request) (map[string]any, error) {
		panic("algo muy inesperado")
	})

	status, response := doRequest(t, srv, "POST", "/panico", `{}`, nil)

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", response["error"])
}

func TestCopilotoRecallsEarlierTurns(t *testing.T) {
	srv, _ := newTestServer(t)
	headers := map[string]string{"Thread-ID": "s-recall", "Agent-ID": "copilot_dev"}

	_, _ = doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "desplegué el servicio de facturación en producción"}`, headers)

	_, response := doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "qué quedamos pendiente con facturación"}`, headers)

	respuesta, ok := response["respuesta"].(string)
	require.True(t, ok)
	assert.Contains(t, respuesta, "facturación", "the synthesized context grounds the next turn")
}

func TestBuscarMemoriaEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	headers := map[string]string{"Thread-ID": "s-busca", "Agent-ID": "copilot_dev"}

	doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "desplegué el servicio de facturación en producción"}`, headers)

	_, response := doRequest(t, srv, "POST", "/buscar-memoria",
		`{"mensaje": "facturación"}`, headers)

	eventos, ok := response["eventos"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, eventos)
	assert.Equal(t, float64(len(eventos)), response["total"])
	assert.NotEmpty(t, response["sintesis"])
}

func TestHistorialEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	headers := map[string]string{"Thread-ID": "s-historial", "Agent-ID": "copilot_dev"}

	doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "revisé los registros del despliegue de ayer"}`, headers)

	_, response := doRequest(t, srv, "POST", "/historial-interacciones",
		`{"mensaje": "historial de la sesión"}`, headers)

	_, ok := response["interacciones"].([]any)
	assert.True(t, ok)
	assert.NotEmpty(t, response["resumen"])
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "desplegué el servicio de facturación", "thread_id": "s-1"}`, nil)

	status, response := doRequest(t, srv, "GET", "/stats", "", nil)

	assert.Equal(t, http.StatusOK, status)
	outcomes, ok := response["outcomes"].(map[string]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, outcomes["recorded"], float64(1))
	assert.GreaterOrEqual(t, response["store_events"], float64(1))
	assert.NotContains(t, response, "metadata", "stats bypasses the middleware")
}

func TestWrap_SessionDerivedWhenAbsent(t *testing.T) {
	srv, store := newTestServer(t)

	_, response := doRequest(t, srv, "POST", "/copiloto",
		`{"mensaje": "mensaje sin ninguna identidad de sesión"}`, nil)

	meta := metadataOf(t, response)
	sessionID, ok := meta["session_id"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(sessionID, "auto-"), "session derived from agent and first message")

	count, err := store.CountSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "recorded under the derived session")
}
