package mail

import (
	"html/template"
	"io"
)

var welcomeTemplate = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Email verified</title>
<style>
  body { font-family: system-ui, sans-serif; background: #f5f6f8; margin: 0; }
  main { max-width: 420px; margin: 12vh auto; background: #fff; border-radius: 8px;
         padding: 2.5rem; text-align: center; box-shadow: 0 1px 4px rgba(0,0,0,.08); }
  h1 { font-size: 1.4rem; margin-bottom: .5rem; }
  p  { color: #555; }
  .ok { color: #1a7f37; font-size: 2.5rem; }
</style>
</head>
<body>
<main>
  <div class="ok">&#10003;</div>
  <h1>Welcome, {{.Username}}!</h1>
  <p>Your email address has been verified and your account is ready.</p>
  <p>You can close this page and log in.</p>
</main>
</body>
</html>
`))

// WelcomePage holds the data shown on the post-verification landing page.
type WelcomePage struct {
	Username string
}

// RenderWelcomePage writes the landing page shown when a signup is confirmed
// through the emailed link rather than the API.
func RenderWelcomePage(w io.Writer, page WelcomePage) error {
	return welcomeTemplate.Execute(w, page)
}
