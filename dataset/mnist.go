package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const (
	mnistTrainImagesFile = "train-images-idx3-ubyte"
	mnistTrainLabelsFile = "train-labels-idx1-ubyte"
	mnistTestImagesFile  = "t10k-images-idx3-ubyte"
	mnistTestLabelsFile  = "t10k-labels-idx1-ubyte"

	mnistBaseURL = "https://ossci-datasets.s3.amazonaws.com/mnist/"
)

// MNIST holds the decoded IDX images as flattened float32 vectors in [0,1].
type MNIST struct {
	images [][]float32
	labels []int
	pixels int
}

// OpenMNIST loads the requested split ("train" or "test") from root,
// downloading and extracting the IDX files first when download is set.
func OpenMNIST(root, split string, download bool) (*MNIST, error) {
	imgFile, lblFile := mnistTrainImagesFile, mnistTrainLabelsFile
	if split == "test" {
		imgFile, lblFile = mnistTestImagesFile, mnistTestLabelsFile
	} else if split != "train" {
		return nil, fmt.Errorf("unknown mnist split %q", split)
	}

	if download {
		if err := ensureMNIST(root); err != nil {
			return nil, fmt.Errorf("download mnist: %w", err)
		}
	}
	return loadIDX(filepath.Join(root, imgFile), filepath.Join(root, lblFile))
}

func (m *MNIST) Len() int                      { return len(m.images) }
func (m *MNIST) Sample(i int) ([]float32, int) { return m.images[i], m.labels[i] }
func (m *MNIST) InputSize() int                { return m.pixels }
func (m *MNIST) NumClasses() int               { return 10 }

func ensureMNIST(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	for _, name := range []string{
		mnistTrainImagesFile, mnistTrainLabelsFile,
		mnistTestImagesFile, mnistTestLabelsFile,
	} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := downloadAndExtract(mnistBaseURL+name+".gz", path); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func downloadAndExtract(url, destPath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return err
	}
	defer gz.Close()
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, gz)
	return err
}

func loadIDX(imagePath, labelPath string) (*MNIST, error) {
	imgF, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer imgF.Close()

	var magic, count, rows, cols int32
	if err := binary.Read(imgF, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if magic != 0x803 {
		return nil, fmt.Errorf("bad image magic 0x%x in %s", magic, imagePath)
	}
	binary.Read(imgF, binary.BigEndian, &count)
	binary.Read(imgF, binary.BigEndian, &rows)
	binary.Read(imgF, binary.BigEndian, &cols)

	lblF, err := os.Open(labelPath)
	if err != nil {
		return nil, err
	}
	defer lblF.Close()

	var lMagic, lCount int32
	if err := binary.Read(lblF, binary.BigEndian, &lMagic); err != nil {
		return nil, fmt.Errorf("read label header: %w", err)
	}
	if lMagic != 0x801 {
		return nil, fmt.Errorf("bad label magic 0x%x in %s", lMagic, labelPath)
	}
	binary.Read(lblF, binary.BigEndian, &lCount)
	if lCount < count {
		count = lCount
	}

	pixels := int(rows * cols)
	m := &MNIST{
		images: make([][]float32, count),
		labels: make([]int, count),
		pixels: pixels,
	}
	buf := make([]byte, pixels)
	lBuf := make([]byte, 1)
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(imgF, buf); err != nil {
			return nil, fmt.Errorf("read image %d: %w", i, err)
		}
		if _, err := io.ReadFull(lblF, lBuf); err != nil {
			return nil, fmt.Errorf("read label %d: %w", i, err)
		}
		img := make([]float32, pixels)
		for j := range buf {
			img[j] = float32(buf[j]) / 255.0
		}
		m.images[i] = img
		m.labels[i] = int(lBuf[0])
	}
	return m, nil
}
