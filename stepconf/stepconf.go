// Package stepconf parses step inputs from environment variables into a tagged struct.
package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/bitrise-io/go-utils/colorstring"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []string
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", t.Field(i).Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if idx := strings.Index(tag, ","); idx != -1 {
		return tag[:idx], tag[idx+1:]
	}
	return tag, ""
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validate(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		// If field is a pointer type, then set its value to be a pointer to a new zero value, matching field underlying type.
		field.Set(reflect.New(field.Type().Elem()))
		field = field.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validate(value, constraint string) error {
	switch constraint {
	case "":
		break
	case "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
	case "file", "dir":
		if err := checkPath(value, constraint == "dir"); err != nil {
			return err
		}
	default:
		if !isValueOptions(constraint) {
			return fmt.Errorf("invalid constraint (%s)", constraint)
		}
		if !contains(value, constraint) {
			return fmt.Errorf("value is not in value options (%s)", constraint)
		}
	}
	return nil
}

func isValueOptions(constraint string) bool {
	return strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]")
}

func checkPath(path string, dir bool) error {
	file, err := os.Stat(path)
	if err != nil {
		return errors.New("file path does not exist")
	}
	switch {
	case !dir && file.IsDir():
		return errors.New("not a file")
	case dir && !file.IsDir():
		return errors.New("not a directory")
	}
	return nil
}

// contains reports whether s is within the value options, where value options
// are parsed from opt, which format's is opt[item1,item2,item3]. If an option
// contains commas, it should be single quoted (eg. opt[item1,'item2,item3']).
func contains(s, opt string) bool {
	opt = strings.TrimSuffix(strings.TrimPrefix(opt, "opt["), "]")
	var valueOpts []string
	if strings.Contains(opt, "'") {
		// The single quotes separate the options with comma and without comma
		// Eg. "a,b,'c,d',e" will results "a,b," "c,d" and ",e" strings.
		for _, s := range strings.Split(opt, "'") {
			switch {
			case s == "," || s == "":
			case !strings.HasPrefix(s, ",") && !strings.HasSuffix(s, ","):
				// If a string doesn't starts nor ends with a comma it means it's an option which
				// contains comma, so we just append it to valueOpts as it is. Eg. "c,d" from above.
				valueOpts = append(valueOpts, s)
			default:
				// If a string starts or ends with comma it means that it contains options without comma.
				// So we split the string at commas to get the options. Eg. "a,b," and ",e" from above.
				valueOpts = append(valueOpts, strings.Split(strings.Trim(s, ","), ",")...)
			}
		}
	} else {
		valueOpts = strings.Split(opt, ",")
	}
	for _, valOpt := range valueOpts {
		if valOpt == s {
			return true
		}
	}
	return false
}

// Print the name of the struct with Title case in blue color with followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return fmt.Sprintf("%v", v.Elem().Interface())
	}

	return ""
}

// returns the name of the struct with Title case in blue color followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)

	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}

	str := colorstring.Bluef("%s:\n", titleCase(t.Name()))
	for i := 0; i < t.NumField(); i++ {
		var key, _ = parseTag(t.Field(i).Tag.Get("env"))
		if key == "" {
			key = t.Field(i).Name
		}

		value := "<unset>"
		if !v.Field(i).IsZero() {
			value = valueString(v.Field(i))
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}

	return str
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
