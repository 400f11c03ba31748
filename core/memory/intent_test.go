package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testTriggers() map[string][]string {
	return map[string][]string{
		"recap":  {"qué quedamos", "que quedamos", "resumen", "último", "ultimo", "reciente"},
		"errors": {"error", "fallo", "problema", "crítico", "critico"},
		"task":   {"ejecut", "deploy", "crear", "comando"},
		"doc":    {"archivo", "código", "codigo", "script", "función", "funcion"},
	}
}

func TestClassifier_Classify(t *testing.T) {
	classifier := NewClassifier(testTriggers(), 7*24*time.Hour)

	tests := []struct {
		name  string
		query string
		want  IntentKind
	}{
		{"recap question", "¿Qué quedamos pendiente ayer?", IntentRecap},
		{"recap summary", "dame un resumen de la semana", IntentRecap},
		{"errors", "¿hubo algún fallo en producción?", IntentErrors},
		{"task", "ejecuta el deploy del servicio", IntentTask},
		{"doc", "muéstrame el código de la función", IntentDoc},
		{"general", "háblame del clima en Madrid", IntentGeneral},
		{"empty", "", IntentGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.query).Kind)
		})
	}
}

func TestClassifier_RecapIsTimeBound(t *testing.T) {
	window := 3 * 24 * time.Hour
	classifier := NewClassifier(testTriggers(), window)

	intent := classifier.Classify("resumen de lo último")
	assert.Equal(t, IntentRecap, intent.Kind)
	assert.Equal(t, window, intent.TimeBound)
	assert.Empty(t, intent.Tipo)
}

func TestClassifier_ErrorsConstrainTipo(t *testing.T) {
	classifier := NewClassifier(testTriggers(), 0)

	intent := classifier.Classify("hubo un error crítico")
	assert.Equal(t, IntentErrors, intent.Kind)
	assert.Equal(t, "error", intent.Tipo)
	assert.Equal(t, 7*24*time.Hour, intent.TimeBound, "zero window falls back to seven days")
}

func TestClassifier_TaskConstrainsEventType(t *testing.T) {
	classifier := NewClassifier(testTriggers(), 0)

	intent := classifier.Classify("crear el servicio nuevo")
	assert.Equal(t, IntentTask, intent.Kind)
	assert.Equal(t, EventTypeAgentOutput, intent.EventType)
	assert.Zero(t, intent.TimeBound)
}

func TestClassifier_OrderIsDeterministic(t *testing.T) {
	classifier := NewClassifier(testTriggers(), 0)

	// "resumen" (recap) and "error" (errors) both match; recap is
	// evaluated first.
	intent := classifier.Classify("resumen de los errores recientes")
	assert.Equal(t, IntentRecap, intent.Kind)
}

func TestClassifier_SetTriggersSwapsTable(t *testing.T) {
	classifier := NewClassifier(nil, 0)
	assert.Equal(t, IntentGeneral, classifier.Classify("resumen de ayer").Kind)

	classifier.SetTriggers(testTriggers())
	assert.Equal(t, IntentRecap, classifier.Classify("resumen de ayer").Kind)
}
