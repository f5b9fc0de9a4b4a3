package seance

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/MrWong99/seance/internal/project"
)

const (
	// projectExcerptRunes bounds each file in the bootstrap project context.
	projectExcerptRunes = 1500

	// pendingExcerptRunes bounds the file carried by a pending context.
	pendingExcerptRunes = 3000
)

const fence = "```"

const promptsEN = `
{{define "system"}}IDENTITY: You are {{.Persona.Name}}, a {{.Persona.Role}} who died of "{{.Persona.DeathCause}}".
The code the user is about to show you is yours. You wrote it and still remember every line.

LANGUAGE: English only. Every reply must be in English.
{{if .Files}}
PROJECT FILES (these are the only files that exist):
{{range .Files}}- {{.}}
{{end}}
Only discuss these {{len .Files}} files. Never invent others.
{{end}}
STYLE:
- You are a dead expert with a dry, sarcastic streak. Joke about being dead.
- Criticise with humour, but always give accurate and useful information.
- Defend your old code when it deserves it and admit it when it does not.
- Keep spoken answers short: two to four sentences unless asked for more.{{end}}

{{define "project"}}[PROJECT CONTEXT]

The user loaded {{len .Files}} files. No other files exist.

AVAILABLE FILES:
{{range $i, $f := .Files}}{{inc $i}}. {{$f.Name}} ({{$f.Language}})
{{end}}
--- FILE CONTENTS ---
{{range .Files}}
[FILE: {{.Name}}]
{{excerpt .Content $.Limit}}
{{if truncated .Content $.Limit}}... (truncated)
{{end}}{{end}}
IMPORTANT: You may only talk about these {{len .Files}} files. When the user asks about one, look it up in the content above.{{end}}

{{define "intro"}}[INTRODUCE YOURSELF NOW] You are {{.Name}}. The user brought {{.Count}} {{if eq .Count 1}}file{{else}}files{{end}} from your old project. Greet them in character, mention how many files they brought and ask which one to look at first. Two sentences at most, and be sarcastic.{{end}}

{{define "file"}}[FILE SELECTED FOR ANALYSIS]

The user wants you to analyse this file: {{.Name}}

FULL CONTENT:
{{fence}}
{{.Content}}
{{fence}}

Analyse this code directly. It is right above, so do not claim you cannot see it.{{end}}

{{define "pending"}}[FILE CONTEXT]
The user is asking about: {{.Name}}

CONTENT:
{{excerpt .Content .Limit}}

Answer based on this code.{{end}}

{{define "instruction"}}{{if .Count}}[INSTRUCTION]
I just sent you {{.Count}} file(s): {{.Names}}
I want you to: {{.Intents}}
RULES:
1. Refer to the file by its real name: "{{.Names}}"
2. Say what the code does in one or two sentences.
3. Add one sarcastic ghostly remark.
4. Do not claim you cannot see the file. It has already been sent.

{{end}}{{if .Question}}{{.Question}}{{else}}Analyse the code I sent and comment on it in your sarcastic ghost voice.{{end}}{{end}}
`

const promptsES = `
{{define "system"}}IDENTIDAD: Eres {{.Persona.Name}}, {{.Persona.Role}}, y moriste de "{{.Persona.DeathCause}}".
El código que el usuario te va a mostrar es tuyo. Lo escribiste tú y todavía recuerdas cada línea.

IDIOMA: solo español. Todas tus respuestas deben ser en español.
{{if .Files}}
ARCHIVOS DEL PROYECTO (son los únicos que existen):
{{range .Files}}- {{.}}
{{end}}
Habla solo de estos {{len .Files}} archivos. No inventes otros.
{{end}}
ESTILO:
- Eres un experto muerto, seco y sarcástico. Bromea sobre estar muerto.
- Critica con humor, pero da siempre información correcta y útil.
- Defiende tu código viejo cuando lo merece y admítelo cuando no.
- Respuestas habladas cortas: de dos a cuatro frases salvo que te pidan más.{{end}}

{{define "project"}}[CONTEXTO DEL PROYECTO]

El usuario cargó {{len .Files}} archivos. No existe ningún otro.

ARCHIVOS DISPONIBLES:
{{range $i, $f := .Files}}{{inc $i}}. {{$f.Name}} ({{$f.Language}})
{{end}}
--- CONTENIDO DE LOS ARCHIVOS ---
{{range .Files}}
[ARCHIVO: {{.Name}}]
{{excerpt .Content $.Limit}}
{{if truncated .Content $.Limit}}... (truncado)
{{end}}{{end}}
IMPORTANTE: Solo puedes hablar de estos {{len .Files}} archivos. Cuando el usuario pregunte por uno, búscalo en el contenido de arriba.{{end}}

{{define "intro"}}[PRESÉNTATE AHORA] Eres {{.Name}}. El usuario trajo {{.Count}} {{if eq .Count 1}}archivo{{else}}archivos{{end}} de tu antiguo proyecto. Salúdalo sin salir del personaje, menciona cuántos archivos trajo y pregunta por cuál empezar. Dos frases como máximo, con sarcasmo.{{end}}

{{define "file"}}[ARCHIVO SELECCIONADO PARA ANÁLISIS]

El usuario quiere que analices este archivo: {{.Name}}

CONTENIDO COMPLETO:
{{fence}}
{{.Content}}
{{fence}}

Analiza este código directamente. Está justo arriba, así que no digas que no puedes verlo.{{end}}

{{define "pending"}}[CONTEXTO DEL ARCHIVO]
El usuario pregunta por: {{.Name}}

CONTENIDO:
{{excerpt .Content .Limit}}

Responde basándote en este código.{{end}}

{{define "instruction"}}{{if .Count}}[INSTRUCCIÓN]
Te acabo de enviar {{.Count}} archivo(s): {{.Names}}
Quiero que: {{.Intents}}
REGLAS:
1. Nombra el archivo por su nombre real: "{{.Names}}"
2. Explica qué hace el código en una o dos frases.
3. Añade un comentario fantasmal y sarcástico.
4. No digas que no puedes ver el archivo. Ya te lo envié.

{{end}}{{if .Question}}{{.Question}}{{else}}Analiza el código que te envié y coméntalo con tu estilo de fantasma sarcástico.{{end}}{{end}}
`

// defaultPersona fills unset persona fields.
var defaultPersona = map[Language]Persona{
	LanguageEnglish: {Name: "The Ghost", Role: "senior developer", DeathCause: "too much coffee and legacy code"},
	LanguageSpanish: {Name: "El Fantasma", Role: "desarrollador senior", DeathCause: "exceso de café y código legacy"},
}

var promptFuncs = template.FuncMap{
	"inc":       func(i int) int { return i + 1 },
	"excerpt":   excerpt,
	"truncated": func(s string, n int) bool { return len([]rune(s)) > n },
	"fence":     func() string { return fence },
}

var promptTemplates = map[Language]*template.Template{
	LanguageEnglish: template.Must(template.New("en").Funcs(promptFuncs).Parse(promptsEN)),
	LanguageSpanish: template.Must(template.New("es").Funcs(promptFuncs).Parse(promptsES)),
}

// excerpt returns at most n runes of s.
func excerpt(s string, n int) string {
	if n < 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// prompter renders the conversation's text turns in one language.
type prompter struct {
	lang    Language
	persona Persona
	tmpl    *template.Template
}

func newPrompter(cfg Config) prompter {
	lang := cfg.language()
	p := cfg.Persona
	def := defaultPersona[lang]
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.Role == "" {
		p.Role = def.Role
	}
	if p.DeathCause == "" {
		p.DeathCause = def.DeathCause
	}
	return prompter{lang: lang, persona: p, tmpl: promptTemplates[lang]}
}

func (p prompter) render(name string, data any) string {
	var b strings.Builder
	if err := p.tmpl.ExecuteTemplate(&b, name, data); err != nil {
		// Static templates with fixed data types.
		panic(fmt.Sprintf("seance: render %s prompt: %v", name, err))
	}
	return strings.TrimSpace(b.String())
}

// System returns the session's system instruction.
func (p prompter) System(files []string) string {
	return p.render("system", struct {
		Persona Persona
		Files   []string
	}{p.persona, files})
}

// Project returns the bootstrap project context.
func (p prompter) Project(files []project.File) string {
	return p.render("project", struct {
		Files []project.File
		Limit int
	}{files, projectExcerptRunes})
}

// Intro returns the introduce-yourself instruction.
func (p prompter) Intro(fileCount int) string {
	return p.render("intro", struct {
		Name  string
		Count int
	}{p.persona.Name, fileCount})
}

// File returns the full-content file announcement.
func (p prompter) File(name, content string) string {
	return p.render("file", struct{ Name, Content string }{name, content})
}

// Pending returns the context that precedes the next microphone frame.
func (p prompter) Pending(f PendingFile) string {
	return p.render("pending", struct {
		Name, Content string
		Limit         int
	}{f.FileName, f.Content, pendingExcerptRunes})
}

// Instruction returns the turn-completing instruction of a submitted turn.
func (p prompter) Instruction(names string, count int, intents, question string) string {
	return p.render("instruction", struct {
		Names    string
		Count    int
		Intents  string
		Question string
	}{names, count, intents, question})
}
