package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMetaFilter() *MetaFilter {
	return NewMetaFilter([]string{
		"consulta de historial completada",
		"interacciones recientes",
		"sin resumen de conversación",
		"health check ok",
	})
}

func TestMetaFilter_Matches(t *testing.T) {
	filter := testMetaFilter()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"exact pattern", "consulta de historial completada", true},
		{"pattern as substring", "Resultado: Consulta de Historial Completada con 3 eventos", true},
		{"case insensitive", "HEALTH CHECK OK", true},
		{"real content", "Desplegué el servicio de facturación en producción", false},
		{"empty text", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filter.Matches(tt.text))
		})
	}
}

func TestMetaFilter_Persistable(t *testing.T) {
	filter := testMetaFilter()

	assert.True(t, filter.Persistable("Desplegué el servicio de facturación"))
	assert.False(t, filter.Persistable("ok"), "too short to carry recall value")
	assert.False(t, filter.Persistable(strings.Repeat(" ", 30)), "whitespace padding does not count")
	assert.False(t, filter.Persistable("Se muestran las interacciones recientes del agente"))
}

func TestMetaFilter_EmptyPatterns(t *testing.T) {
	filter := NewMetaFilter(nil)

	assert.False(t, filter.Matches("cualquier texto"))
	assert.True(t, filter.Persistable("texto con longitud suficiente"))
}

func TestMetaFilter_IgnoresBlankPatterns(t *testing.T) {
	filter := NewMetaFilter([]string{"", "  ", "patrón real"})

	assert.False(t, filter.Matches("texto sin relación"), "blank patterns never match everything")
	assert.True(t, filter.Matches("contiene el patrón real aquí"))
}
