package flow

import "fmt"

const DefaultLocale = "en-US"

type messages struct {
	greetingFmt  string
	success      string
	failureFmt   string
	goodbye      string
	transferring string
}

func (m messages) greeting(spelled string) string { return fmt.Sprintf(m.greetingFmt, spelled) }
func (m messages) failure(spelled string) string  { return fmt.Sprintf(m.failureFmt, spelled) }

var locales = map[string]messages{
	"en-US": {
		greetingFmt:  "Hello! Your verification code is: %s. Please press the digits to verify.",
		success:      "Thank you! Your code is verified.",
		failureFmt:   "Sorry, incorrect. Your code is: %s. Try again.",
		goodbye:      "Sorry, too many incorrect attempts. Goodbye.",
		transferring: "Sorry, too many incorrect attempts. Transferring you to an agent.",
	},
	"es-ES": {
		greetingFmt:  "¡Hola! Su código es: %s. Presione los dígitos.",
		success:      "¡Gracias! Su código está verificado.",
		failureFmt:   "Lo siento, incorrecto. Su código es: %s.",
		goodbye:      "Lo siento, demasiados intentos incorrectos. Adiós.",
		transferring: "Lo siento, demasiados intentos incorrectos. Le transferimos con un agente.",
	},
	"fr-FR": {
		greetingFmt:  "Bonjour! Votre code est: %s. Appuyez sur les chiffres.",
		success:      "Merci! Votre code est vérifié.",
		failureFmt:   "Désolé, incorrect. Votre code est: %s.",
		goodbye:      "Désolé, trop de tentatives incorrectes. Au revoir.",
		transferring: "Désolé, trop de tentatives incorrectes. Nous vous transférons à un agent.",
	},
	"de-DE": {
		greetingFmt:  "Hallo! Ihr Code lautet: %s. Drücken Sie die Ziffern.",
		success:      "Vielen Dank! Ihr Code ist verifiziert.",
		failureFmt:   "Entschuldigung, falsch. Ihr Code: %s.",
		goodbye:      "Entschuldigung, zu viele falsche Versuche. Auf Wiederhören.",
		transferring: "Entschuldigung, zu viele falsche Versuche. Wir verbinden Sie mit einem Mitarbeiter.",
	},
}

// ResolveLocale returns lang when it is supported and DefaultLocale otherwise.
func ResolveLocale(lang string) string {
	if _, ok := locales[lang]; ok {
		return lang
	}
	return DefaultLocale
}

// Supported reports whether lang has its own message set.
func Supported(lang string) bool {
	_, ok := locales[lang]
	return ok
}

func messagesFor(lang string) messages {
	return locales[ResolveLocale(lang)]
}
