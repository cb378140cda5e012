// Package setup is the interactive account configuration form.
package setup

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/sms-backup/internal/mailbox"
	"github.com/nhle/sms-backup/internal/model"
	"github.com/nhle/sms-backup/internal/prefs"
)

// Target is where the form reads current values from and saves to.
type Target interface {
	LoginUser() string
	Folder() string
	Server() string
	Security() string
	AutoSync() bool
	ContactGroups() (model.ContactGroups, string)
	Set(key string, value any) error
	SetCredentials(user, password string) error
	Save() error
}

// Values holds the form fields.
type Values struct {
	LoginUser     string
	Password      string
	Folder        string
	Server        string
	Security      string
	AutoSync      bool
	ContactGroups string
	GroupName     string
}

// FromPrefs fills Values from the current configuration. The password is
// left empty; an empty password on save keeps the stored one.
func FromPrefs(p Target) Values {
	groups, name := p.ContactGroups()
	return Values{
		LoginUser:     p.LoginUser(),
		Folder:        p.Folder(),
		Server:        p.Server(),
		Security:      p.Security(),
		AutoSync:      p.AutoSync(),
		ContactGroups: string(groups),
		GroupName:     name,
	}
}

// NewForm builds the form bound to v.
func NewForm(v *Values, havePassword bool) *huh.Form {
	passwordHelp := "IMAP password or app password"
	validatePassword := validateRequired("Password")
	if havePassword {
		passwordHelp = "Leave empty to keep the stored password"
		validatePassword = func(string) error { return nil }
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Login").
				Description("Mail account the messages are backed up to").
				Placeholder("you@gmail.com").
				Value(&v.LoginUser).
				Validate(validateLogin),
			huh.NewInput().
				Title("Password").
				Description(passwordHelp).
				EchoMode(huh.EchoModePassword).
				Value(&v.Password).
				Validate(validatePassword),
			huh.NewInput().
				Title("Folder").
				Description("IMAP folder (label) that receives the backup").
				Placeholder(prefs.DefaultFolder).
				Value(&v.Folder).
				Validate(validateFolder),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Server").
				Description("host or host:port; empty picks it from the login domain").
				Placeholder("imap.example.com:993").
				Value(&v.Server).
				Validate(validateServer),
			huh.NewSelect[string]().
				Title("Security").
				Options(
					huh.NewOption("TLS, verified certificate", string(mailbox.SecuritySSLVerify)),
					huh.NewOption("TLS, any certificate", string(mailbox.SecuritySSL)),
					huh.NewOption("STARTTLS, verified certificate", string(mailbox.SecurityTLSVerify)),
					huh.NewOption("STARTTLS, any certificate", string(mailbox.SecurityTLS)),
					huh.NewOption("None", string(mailbox.SecurityNone)),
				).
				Value(&v.Security),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Back up messages from").
				Options(
					huh.NewOption("Everybody", string(model.GroupsEverybody)),
					huh.NewOption("Starred contacts", string(model.GroupsFavorites)),
					huh.NewOption("One contact group", string(model.GroupsCustom)),
				).
				Value(&v.ContactGroups),
			huh.NewInput().
				Title("Contact group").
				Description("Used only with \"One contact group\"").
				Value(&v.GroupName),
			huh.NewConfirm().
				Title("Auto backup").
				Description("Back up new messages in the background").
				Affirmative("Yes").
				Negative("No").
				Value(&v.AutoSync),
		),
	)
}

// Validate checks v as a whole.
func (v Values) Validate() error {
	if err := validateLogin(v.LoginUser); err != nil {
		return err
	}
	if err := validateFolder(v.Folder); err != nil {
		return err
	}
	if err := validateServer(v.Server); err != nil {
		return err
	}
	if v.Security != "" && !mailbox.Security(v.Security).Valid() {
		return fmt.Errorf("unknown security %q", v.Security)
	}
	g := model.ContactGroups(v.ContactGroups)
	if !g.Valid() {
		return fmt.Errorf("unknown contact groups %q", v.ContactGroups)
	}
	if g == model.GroupsCustom && strings.TrimSpace(v.GroupName) == "" {
		return fmt.Errorf("contact group is required")
	}
	return nil
}

// Apply stores v in p and saves it.
func Apply(p Target, v Values) error {
	if err := v.Validate(); err != nil {
		return err
	}

	user := strings.TrimSpace(v.LoginUser)
	if v.Password != "" {
		if err := p.SetCredentials(user, v.Password); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
	} else if err := p.Set(prefs.KeyLoginUser, user); err != nil {
		return err
	}

	settings := []struct {
		key   string
		value any
	}{
		{prefs.KeyFolder, strings.TrimSpace(v.Folder)},
		{prefs.KeyServer, strings.TrimSpace(v.Server)},
		{prefs.KeySecurity, v.Security},
		{prefs.KeyAutoSync, v.AutoSync},
		{prefs.KeyContactGroups, v.ContactGroups},
		{prefs.KeyContactGroupName, strings.TrimSpace(v.GroupName)},
	}
	for _, s := range settings {
		if err := p.Set(s.key, s.value); err != nil {
			return err
		}
	}

	return p.Save()
}

// Verify logs into the server described by v and logs out again.
func Verify(ctx context.Context, d *mailbox.Dialer, v Values, password string) error {
	ep, err := mailbox.ResolveEndpoint(strings.TrimSpace(v.Server), mailbox.Security(v.Security), v.LoginUser)
	if err != nil {
		return err
	}
	ep.User, ep.Password = strings.TrimSpace(v.LoginUser), password

	sess, err := d.Open(ctx, mailbox.BuildURI(ep))
	if err != nil {
		return err
	}
	return sess.Close()
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateLogin(s string) error {
	if err := validateRequired("Login")(s); err != nil {
		return err
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("login must not contain spaces")
	}
	return nil
}

func validateFolder(s string) error {
	if err := validateRequired("Folder")(s); err != nil {
		return err
	}
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("folder must be a single line")
	}
	return nil
}

func validateServer(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := mailbox.ResolveEndpoint(s, mailbox.SecuritySSLVerify, ""); err != nil {
		return err
	}
	return nil
}
