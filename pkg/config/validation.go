package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/smbclient/internal/smb/types"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("dialect", func(fl validator.FieldLevel) bool {
			_, err := types.ParseDialect(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("cipher", func(fl validator.FieldLevel) bool {
			_, err := types.ParseCipher(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// Validate checks field constraints and the cross-field rules struct tags
// cannot express.
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	minD, _ := types.ParseDialect(cfg.Client.MinDialect)
	maxD, _ := types.ParseDialect(cfg.Client.MaxDialect)
	if minD > maxD {
		return fmt.Errorf("client.min_dialect %s is above client.max_dialect %s", cfg.Client.MinDialect, cfg.Client.MaxDialect)
	}
	if maxD == types.DialectSMB1 {
		return fmt.Errorf("client.max_dialect must be an SMB2 dialect")
	}
	if cfg.Client.SigningRequired && !cfg.Client.SigningEnabled {
		return fmt.Errorf("client.signing_required needs client.signing_enabled")
	}
	if cfg.Client.ReceiveBufferSize < cfg.Client.MaxBufferSize {
		return fmt.Errorf("client.receive_buffer_size %s is below client.max_buffer_size %s",
			cfg.Client.ReceiveBufferSize, cfg.Client.MaxBufferSize)
	}
	return nil
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		case "dialect":
			msgs = append(msgs, fmt.Sprintf("%s: unknown dialect %q", field, fe.Value()))
		case "cipher":
			msgs = append(msgs, fmt.Sprintf("%s: unknown cipher %q", field, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
