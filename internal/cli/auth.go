package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitoshi/engagepro/internal/session"
)

func newLoginCommand(e *env) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with email and password. The session is stored in the state
directory and replaces any session that was stored before.

If --password is omitted the password is read from the first line of stdin.

Examples:
  engagectl login --email demo@example.com --password password
  echo "$PASSWORD" | engagectl login --email demo@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := e.passwordOr(password)
			if err != nil {
				return err
			}
			sess, err := e.sessions.Login(cmd.Context(), email, pw)
			if err != nil {
				return err
			}
			e.out.done("Logged in as %s", sess.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email address")
	cmd.Flags().StringVar(&password, "password", "", "account password (read from stdin when omitted)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newSignupCommand(e *env) *cobra.Command {
	var in session.SignupInput
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Long: `Create a new account on the free plan and sign in. A verification email
is sent to the address; confirm it with "engagectl email verify".

Examples:
  engagectl signup --name "Alice" --email alice@example.com --password s3cretpass`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := e.passwordOr(in.Password)
			if err != nil {
				return err
			}
			in.Password = pw
			if !cmd.Flags().Changed("confirm-password") {
				in.ConfirmPassword = pw
			}
			sess, err := e.sessions.Signup(cmd.Context(), in)
			if err != nil {
				return err
			}
			e.out.done("Account created for %s (plan: %s)", sess.Email, sess.Plan)
			fmt.Fprintln(e.stdout, "Check your inbox to verify your email address.")
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (read from stdin when omitted)")
	cmd.Flags().StringVar(&in.ConfirmPassword, "confirm-password", "", "password confirmation (defaults to --password)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.sessions.Logout(cmd.Context()); err != nil {
				return err
			}
			e.out.done("Logged out")
			return nil
		},
	}
}

func newWhoamiCommand(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ok := e.sessions.Current()
			if !ok {
				return session.ErrNotAuthenticated
			}
			if asJSON {
				return e.out.json(sess)
			}
			e.out.session(sess)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newPasswordCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Reset or change the account password",
	}

	var forgotEmail string
	forgot := &cobra.Command{
		Use:   "forgot",
		Short: "Request a password reset email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.sessions.ForgotPassword(cmd.Context(), forgotEmail); err != nil {
				return err
			}
			e.out.done("If an account exists for %s, a reset link has been sent.", strings.TrimSpace(forgotEmail))
			return nil
		},
	}
	forgot.Flags().StringVar(&forgotEmail, "email", "", "account email address")
	forgot.MarkFlagRequired("email")

	var resetToken, resetPassword string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Set a new password with a reset token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := e.passwordOr(resetPassword)
			if err != nil {
				return err
			}
			if err := e.sessions.ResetPassword(cmd.Context(), resetToken, pw); err != nil {
				return err
			}
			e.out.done("Password updated. You can now log in with the new password.")
			return nil
		},
	}
	reset.Flags().StringVar(&resetToken, "token", "", "reset token from the email link")
	reset.Flags().StringVar(&resetPassword, "password", "", "new password (read from stdin when omitted)")

	var current, next string
	change := &cobra.Command{
		Use:   "change",
		Short: "Change the password of the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.sessions.ChangePassword(cmd.Context(), current, next); err != nil {
				return err
			}
			e.out.done("Password changed")
			return nil
		},
	}
	change.Flags().StringVar(&current, "current", "", "current password")
	change.Flags().StringVar(&next, "new", "", "new password")
	change.MarkFlagRequired("current")
	change.MarkFlagRequired("new")

	cmd.AddCommand(forgot, reset, change)
	return cmd
}

func newEmailCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Verify the account email address",
	}

	var token string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Confirm the email address with a verification token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := e.sessions.VerifyEmail(cmd.Context(), token)
			if err != nil {
				return err
			}
			e.out.done("Email %s verified", sess.Email)
			return nil
		},
	}
	verify.Flags().StringVar(&token, "token", "", "verification token from the email link")

	resend := &cobra.Command{
		Use:   "resend",
		Short: "Send the verification email again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.sessions.ResendVerification(cmd.Context()); err != nil {
				return err
			}
			e.out.done("Verification email sent")
			return nil
		},
	}

	cmd.AddCommand(verify, resend)
	return cmd
}

func newProfileCommand(e *env) *cobra.Command {
	var name, email, phone, avatar string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update the profile of the signed-in account",
		Long: `Update profile fields. Only the flags that are given are changed.

Examples:
  engagectl profile --name "Alice Smith"
  engagectl profile --phone ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch session.ProfilePatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("email") {
				patch.Email = &email
			}
			if flags.Changed("phone") {
				patch.Phone = &phone
			}
			if flags.Changed("avatar") {
				patch.Avatar = &avatar
			}
			sess, err := e.sessions.UpdateProfile(cmd.Context(), patch)
			if err != nil {
				return err
			}
			e.out.session(sess)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	return cmd
}

// passwordOr はflagが空の場合に標準入力の1行目をパスワードとして読む。
func (e *env) passwordOr(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if e.stdin == nil {
		return "", errors.New("password is required")
	}
	line, err := bufio.NewReader(e.stdin).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", errors.New("password is required: pass --password or pipe it on stdin")
		}
		return "", errors.New("password is required")
	}
	return line, nil
}
