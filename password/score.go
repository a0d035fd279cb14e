package password

import (
	"unicode"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

// Score rates a password from 0 (trivial) to 4 (strong) with the zxcvbn
// estimator, so dictionary words, keyboard walks, and common substitutions
// score low no matter how many character classes they mix. Signup requires a
// minimum score; reset flows only the class policy below.
func Score(password string) int {
	return zxcvbn.PasswordStrength(password, nil).Score
}

// HasBasicClasses reports whether the password contains at least one lower
// case letter, one upper case letter, and one digit.
func HasBasicClasses(password string) bool {
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return lower && upper && digit
}
