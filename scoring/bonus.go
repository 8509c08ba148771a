/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package scoring computes the per-round bonus awarded for fast, valid
// answers across every column of a round.
package scoring

import (
	"fmt"
	"math"
	"strings"
)

const (
	// maxColumnScore is the validity score that earns full credit.
	maxColumnScore = 10

	// pointsPerColumn scales the bonus fraction into points.
	pointsPerColumn = 10

	// rankCutoff is the lowest mapped rank that still earns a factor.
	rankCutoff = 0.5
)

// Pair is the judged score of a player's answer for one column together with
// its rank among that column's valid answers. Rank is nil when the answer is
// not valid (score 0 or unjudged) or missing.
type Pair struct {
	Score float64
	Rank  *int
}

// Result holds the bonus points and the derivation shown to players.
type Result struct {
	Points   int
	Fraction float64
	Trace    string
}

// Rank returns a pointer to r, for building pairs inline.
func Rank(r int) *int {
	return &r
}

// RankFactor maps a rank onto [0, 1]. The first answer gets 1, later ranks
// fall off along x^e and everything in the lower half of the field gets 0.
func RankFactor(rank *int, numPlayers int) float64 {
	if rank == nil || numPlayers <= 0 {
		return 0
	}

	x := float64(numPlayers-(*rank-1)) / float64(numPlayers)
	if x < rankCutoff {
		return 0
	}
	if x > 1 {
		x = 1
	}

	return math.Pow(x, math.E)
}

// ScoreFactor gives sub-linear credit for partially valid answers: 10 and
// above count fully, 5 counts 0.125.
func ScoreFactor(score float64) float64 {
	s := math.Max(0, math.Min(score, maxColumnScore)) / maxColumnScore

	return s * s * s
}

// Bonus computes the bonus for one player's round. Columns without a pair
// contribute nothing, which is what makes an incomplete sweep expensive.
func Bonus(pairs []Pair, numPlayers, numColumns int) Result {
	if numColumns <= 0 || len(pairs) == 0 {
		return Result{Trace: "no answers = 0"}
	}

	var (
		sum   float64
		terms = make([]string, 0, len(pairs))
	)

	for _, p := range pairs {
		rf := RankFactor(p.Rank, numPlayers)
		sf := ScoreFactor(p.Score)

		sum += rf * sf

		terms = append(terms, fmt.Sprintf("[%.2f, %s]", rf, scoreSymbol(sf)))
	}

	fraction := math.Min(math.Pow(sum/float64(numColumns), 2), 1)
	points := int(math.Round(float64(numColumns*pointsPerColumn) * fraction))

	var trace strings.Builder
	trace.WriteString(strings.Join(terms, " + "))
	fmt.Fprintf(&trace, " = %.3f", sum)
	fmt.Fprintf(&trace, " | (%.3f / %d)^2 = %.3f", sum, numColumns, fraction)
	fmt.Fprintf(&trace, " | %d * %d * %.3f = %d", numColumns, pointsPerColumn, fraction, points)

	return Result{
		Points:   points,
		Fraction: fraction,
		Trace:    trace.String(),
	}
}

func scoreSymbol(factor float64) string {
	switch {
	case factor >= 1:
		return "●"
	case factor <= 0:
		return "○"
	default:
		return fmt.Sprintf("◐%.3f", factor)
	}
}
