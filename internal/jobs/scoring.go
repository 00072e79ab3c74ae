package jobs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
)

// ErrEmptyScore is returned when a score container printed nothing.
var ErrEmptyScore = errors.New("score output is empty")

// maxScoreToken caps how much of the output one score token may occupy.
const maxScoreToken = 1024

// ParseScore parses the first whitespace-delimited token of r as a float64.
// Leading blank lines are skipped and anything after the token is ignored.
func ParseScore(r io.Reader) (float64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64), maxScoreToken)
	sc.Split(bufio.ScanWords)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, fmt.Errorf("read score output: %w", err)
		}
		return 0, ErrEmptyScore
	}
	token := sc.Text()
	score, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", token, err)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("parse score %q: not a finite number", token)
	}
	return score, nil
}

// ParseScoreFile is ParseScore over the file at path.
func ParseScoreFile(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open score output: %w", err)
	}
	defer f.Close()
	return ParseScore(f)
}
