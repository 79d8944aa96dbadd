package orders

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const orderNumberPrefix = "NTF"

var orderNumberRe = regexp.MustCompile(`^NTF\d{6,}$`)

// FormatOrderNumber renders a sequence value as NTF000042.
func FormatOrderNumber(seq int64) string {
	return fmt.Sprintf("%s%06d", orderNumberPrefix, seq)
}

func IsOrderNumber(s string) bool {
	return orderNumberRe.MatchString(s)
}

// PaymentReference builds METHOD-ORDERNUMBER-UNIXMILLIS for payments settled
// without a gateway transaction id.
func PaymentReference(method PaymentMethod, orderNumber string, at time.Time) string {
	m := strings.ToUpper(strings.ReplaceAll(string(method), " ", ""))
	return fmt.Sprintf("%s-%s-%d", m, orderNumber, at.UnixMilli())
}
