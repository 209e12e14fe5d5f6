// Package email envía los mails de verificación y reset de password.
// El valor crudo del token one-way viaja solo en el link del mail; en la DB
// queda únicamente su hash.
package email

import (
	"fmt"
	"net/url"
)

// Sender es la interfaz de transporte. Implementada por SMTPSender y NoopSender.
type Sender interface {
	// Send envía un email con contenido HTML y texto plano.
	Send(to, subject, htmlBody, textBody string) error
}

// Mailer arma los mails de los flujos de auth sobre un Sender.
type Mailer struct {
	Sender  Sender
	BaseURL string // base pública para los links (ej: https://app.example.com)
	AppName string
}

func NewMailer(sender Sender, baseURL, appName string) *Mailer {
	if appName == "" {
		appName = "keybridge"
	}
	return &Mailer{Sender: sender, BaseURL: baseURL, AppName: appName}
}

// SendVerification envía el link de verificación de email con el token crudo.
func (m *Mailer) SendVerification(to, rawToken string) error {
	link := fmt.Sprintf("%s/verify-email?token=%s", m.BaseURL, url.QueryEscape(rawToken))
	subject := fmt.Sprintf("[%s] Verificá tu email", m.AppName)
	text := fmt.Sprintf("Verificá tu cuenta entrando a: %s\n\nSi no creaste esta cuenta, ignorá este mail.", link)
	html := fmt.Sprintf(`<p>Verificá tu cuenta haciendo click <a href="%s">acá</a>.</p><p>Si no creaste esta cuenta, ignorá este mail.</p>`, link)
	return m.Sender.Send(to, subject, html, text)
}

// SendPasswordReset envía el link de reset con el token crudo.
func (m *Mailer) SendPasswordReset(to, rawToken string) error {
	link := fmt.Sprintf("%s/reset-password?token=%s", m.BaseURL, url.QueryEscape(rawToken))
	subject := fmt.Sprintf("[%s] Restablecer contraseña", m.AppName)
	text := fmt.Sprintf("Para restablecer tu contraseña entrá a: %s\n\nEl link vence pronto. Si no lo pediste, ignorá este mail.", link)
	html := fmt.Sprintf(`<p>Para restablecer tu contraseña hacé click <a href="%s">acá</a>.</p><p>El link vence pronto. Si no lo pediste, ignorá este mail.</p>`, link)
	return m.Sender.Send(to, subject, html, text)
}
