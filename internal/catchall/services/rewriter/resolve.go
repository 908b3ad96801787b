package rewriter

import (
	"github.com/haukened/rr-catchall/internal/catchall/common/utils"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

// Resolve returns the rewrite for recipient under rules. Rules are evaluated
// in order and the first match wins. Literal rules compare the canonical
// domain; regex rules see the whole canonical address. Resolve has no side
// effects and the result depends only on its inputs.
func Resolve(recipient string, rules domain.RuleSet) (domain.Rewrite, bool) {
	addr := utils.CanonicalAddress(recipient)
	_, dom, err := utils.SplitAddress(addr)
	if err != nil {
		dom = ""
	}
	for i := 0; i < rules.Len(); i++ {
		if out, ok := rules.At(i).Match(addr, dom); ok {
			return domain.Rewrite{Address: out, RuleIndex: i}, true
		}
	}
	return domain.Rewrite{}, false
}
