package profile

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks p against the presentation config: nickname length,
// avatar presence in avatar-required mode, and every required additional
// field. The store never calls it; surfaces that accept user input do.
func Validate(p Profile, cfg Config) error {
	v := validatorInstance()
	var problems []string

	nickRule := "required"
	if cfg.MinNicknameLength > 0 {
		nickRule += fmt.Sprintf(",min=%d", cfg.MinNicknameLength)
	}
	if err := v.Var(strings.TrimSpace(p.Nickname), nickRule); err != nil {
		problems = append(problems, fmt.Sprintf("nickname must be at least %d characters", max(cfg.MinNicknameLength, 1)))
	}

	if cfg.AvatarMode == AvatarRequired {
		if err := v.Var(p.Field(AvatarField), "required"); err != nil {
			problems = append(problems, "avatar is required")
		}
	}

	for _, f := range cfg.AdditionalFields {
		if !f.Required {
			continue
		}
		if err := v.Var(strings.TrimSpace(p.Field(f.Name)), "required"); err != nil {
			label := f.Label
			if label == "" {
				label = f.Name
			}
			problems = append(problems, fmt.Sprintf("%s is required", label))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, strings.Join(problems, "; "))
	}
	return nil
}
