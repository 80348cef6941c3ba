package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// messageData はテンプレートに渡す値。
type messageData struct {
	Name      string
	Link      string
	ExpiresIn string
}

type messageTemplate struct {
	subject string
	body    *template.Template
}

const layout = `<!DOCTYPE html>
<html lang="es">
<head><meta charset="UTF-8"><title>{{template "title" .}}</title></head>
<body style="margin:0;padding:24px;font-family:Helvetica,Arial,sans-serif;background:#f5f7fb;color:#1e293b;">
<div style="max-width:520px;margin:0 auto;background:#ffffff;border-radius:12px;padding:32px;">
<h1 style="font-size:20px;margin:0 0 16px;">{{template "title" .}}</h1>
<p>Hola {{.Name}},</p>
{{template "content" .}}
<p style="margin:24px 0;"><a href="{{.Link}}" style="background:#2563eb;color:#ffffff;padding:12px 20px;border-radius:8px;text-decoration:none;">{{template "action" .}}</a></p>
<p>Si el botón no funciona, copia este enlace en tu navegador:</p>
<p style="word-break:break-all;">{{.Link}}</p>
<p style="color:#64748b;font-size:13px;">El enlace expira en {{.ExpiresIn}}. Si no solicitaste este correo, puedes ignorarlo.</p>
<p style="color:#64748b;font-size:13px;">Club de Algoritmia</p>
</div>
</body>
</html>`

var templates = map[model.TokenKind]messageTemplate{
	model.TokenKindEmailVerification: {
		subject: "Verifica tu correo - Club de Algoritmia",
		body: mustParse(`{{define "title"}}Verifica tu correo{{end}}
{{define "content"}}<p>Gracias por registrarte en el Club de Algoritmia. Confirma tu dirección de correo para poder iniciar sesión.</p>{{end}}
{{define "action"}}Verificar correo{{end}}`),
	},
	model.TokenKindPasswordReset: {
		subject: "Restablece tu contraseña - Club de Algoritmia",
		body: mustParse(`{{define "title"}}Restablece tu contraseña{{end}}
{{define "content"}}<p>Recibimos una solicitud para restablecer tu contraseña. Al cambiarla se cerrarán todas tus sesiones activas.</p>{{end}}
{{define "action"}}Restablecer contraseña{{end}}`),
	},
}

func mustParse(blocks string) *template.Template {
	t := template.Must(template.New("layout").Parse(layout))
	return template.Must(t.Parse(blocks))
}

// render は種別に対応する件名とHTML本文を返す。
func render(kind model.TokenKind, data messageData) (string, string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("no email template for token kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.body.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", "", fmt.Errorf("render %s email: %w", kind, err)
	}
	return tmpl.subject, buf.String(), nil
}

// humanizeTTL は有効期限を「24 horas」「30 minutos」の形式で返す。
func humanizeTTL(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if h := int(d / time.Hour); h != 1 {
			return fmt.Sprintf("%d horas", h)
		}
		return "1 hora"
	case d >= time.Minute:
		if m := int(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutos", m)
		}
		return "1 minuto"
	default:
		return "unos segundos"
	}
}
