package sync

import (
	"fmt"
	gosync "sync"

	"github.com/biter777/countries"
	"github.com/tidwall/gjson"
)

var initModifiers gosync.Once

// Init registers the gjson modifiers used when shaping Tiltify payloads.
// It is safe to call more than once; the API builders call it before the
// first fetch so library users normally don't need to.
func Init() {
	initModifiers.Do(func() {

		// Tiltify sends monetary values as {"value":"25.00","currency":"USD"}.
		// displayAmount renders the pair as a single display string.
		gjson.AddModifier("displayAmount", func(json, arg string) string {
			res := gjson.Parse(json)
			if !res.Exists() {
				return ""
			}
			value := res.Get("value").String()
			if value == "" {
				return ""
			}
			currency := res.Get("currency").String()
			if currency == "" {
				return fmt.Sprintf(`"%s"`, value)
			}
			return fmt.Sprintf(`"%s %s"`, value, currency)
		})

		gjson.AddModifier("countryName", func(json, arg string) string {
			s := gjson.Parse(json).String()
			c := countries.ByName(s) // will match on Alpha-2 / Alpha-3 / Name
			if countries.Unknown == c {
				return ""
			}
			return fmt.Sprintf(`"%s"`, c.String()) // returns Country Name
		})

	})
}
