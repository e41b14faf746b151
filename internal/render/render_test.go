package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifydispatch/internal/entity"
)

func taskAssigned() *entity.Template {
	return &entity.Template{
		Code:       "TASK_ASSIGNED",
		BaseLocale: "ru",
		Locales: map[string]entity.LocalizedContent{
			"ru": {Title: "Задача {{task_name}}", Body: "Вам назначена задача {{task_name}} до {{due_date}}"},
			"en": {Title: "Task {{task_name}}", Body: "You were assigned {{ task_name }}"},
			"uz": {Title: "", Body: ""},
		},
		IsActive: true,
	}
}

func TestRender_TaskAssigned(t *testing.T) {
	got := Render(taskAssigned(), map[string]any{"task_name": "Fix machine"}, "ru")

	assert.Equal(t, "ru", got.Locale)
	assert.Equal(t, "Задача Fix machine", got.Title)
	assert.Equal(t, "Вам назначена задача Fix machine до {{due_date}}", got.Body)
}

func TestRender_LocaleFallback(t *testing.T) {
	tpl := taskAssigned()

	tests := []struct {
		name      string
		preferred []string
		want      string
	}{
		{"requested locale", []string{"en"}, "en"},
		{"unknown falls to organization default", []string{"de", "en"}, "en"},
		{"empty variant is skipped", []string{"uz"}, "ru"},
		{"nothing requested", nil, "ru"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tpl, nil, tt.preferred...).Locale)
		})
	}
}

func TestRender_FallsBackToAnyLocale(t *testing.T) {
	tpl := &entity.Template{Locales: map[string]entity.LocalizedContent{
		"kk": {Title: "A"},
		"en": {Title: "B"},
	}}

	assert.Equal(t, "en", Render(tpl, nil, "fr").Locale)
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		vars map[string]any
		want string
	}{
		{"no vars keeps tokens", "Hi {{name}}", nil, "Hi {{name}}"},
		{"int value", "{{count}} items", map[string]any{"count": 3}, "3 items"},
		{"float value", "{{v}}", map[string]any{"v": 2.5}, "2.5"},
		{"bool value", "{{ok}}", map[string]any{"ok": true}, "true"},
		{"nil value renders empty", "[{{x}}]", map[string]any{"x": nil}, "[]"},
		{"dotted key", "{{machine.code}}", map[string]any{"machine.code": "VM-7"}, "VM-7"},
		{"inner spaces", "{{  name  }}", map[string]any{"name": "Ann"}, "Ann"},
		{"repeated token", "{{a}}{{a}}", map[string]any{"a": "x"}, "xx"},
		{"partial resolution", "{{a}}-{{b}}", map[string]any{"a": 1}, "1-{{b}}"},
		{"broken braces untouched", "{{a}", map[string]any{"a": 1}, "{{a}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.in, tt.vars))
		})
	}
}

func TestRender_NeverPanics(t *testing.T) {
	require.NotPanics(t, func() {
		Render(nil, nil)
		Render(&entity.Template{}, map[string]any{"a": struct{}{}})
		Render(taskAssigned(), map[string]any{"task_name": []int{1, 2}})
	})
}

func TestRenderAll(t *testing.T) {
	all := RenderAll(taskAssigned(), map[string]any{"task_name": "X"})

	require.Len(t, all, 3)
	assert.Equal(t, "Task X", all["en"].Title)
	assert.Equal(t, "Задача X", all["ru"].Title)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"task_name", "due_date"},
		Placeholders("{{task_name}} {{due_date}} {{ task_name }}"))
}
